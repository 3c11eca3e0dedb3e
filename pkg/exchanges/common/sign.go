package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// SignHex returns the lower-case hex HMAC-SHA256 of message (Binance).
func SignHex(message, secret string) string {
	return hex.EncodeToString(hmacSHA256(message, secret))
}

// SignBase64 returns the base64 HMAC-SHA256 of message (OKX).
func SignBase64(message, secret string) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(message, secret))
}

func hmacSHA256(message, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return h.Sum(nil)
}
