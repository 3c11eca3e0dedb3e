package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// fields decodes a Binance event object by exact key. Payloads reuse keys that
// differ only by case ("e"/"E", "p"/"P", "x"/"X"), which struct decoding would conflate.
type fields map[string]json.RawMessage

func decodeFields(data []byte) (fields, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func (f fields) String(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (f fields) Float(key string) float64 {
	v, err := strconv.ParseFloat(f.String(key), 64)
	if err != nil {
		return 0
	}
	return v
}

func (f fields) Int(key string) int64 {
	v, err := strconv.ParseInt(f.String(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (f fields) Object(key string) (fields, error) {
	raw, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("missing %q", key)
	}
	return decodeFields(raw)
}

func (f fields) Array(key string) ([]fields, error) {
	raw, ok := f[key]
	if !ok {
		return nil, nil
	}
	var out []fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	return out, nil
}

// unwrapCombined returns the data of a combined-stream envelope, or frame itself.
func unwrapCombined(frame []byte) []byte {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		return env.Data
	}
	return frame
}
