package common

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is returned by signed calls made without key material.
var ErrMissingCredentials = errors.New("api key/secret required")

// ExchangeAPIError is a non-2xx response or a rejected envelope from an exchange.
// It is never retried by the client layer.
type ExchangeAPIError struct {
	Exchange   string
	Endpoint   string
	HTTPStatus int
	Code       string // exchange-native error code when present
	Body       string
}

func (e *ExchangeAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s status %d code %s: %s", e.Exchange, e.Endpoint, e.HTTPStatus, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s status %d: %s", e.Exchange, e.Endpoint, e.HTTPStatus, e.Body)
}

// AsExchangeAPIError unwraps err into an ExchangeAPIError.
func AsExchangeAPIError(err error) (*ExchangeAPIError, bool) {
	var apiErr *ExchangeAPIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
