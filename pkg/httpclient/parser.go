package httpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DecodeJSON unmarshals the response body into dest. An empty body is an
// error because every endpoint we call returns a JSON document.
func DecodeJSON(resp *Response, dest any) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(resp.Body, dest); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}

func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryableStatus reports whether a retry may help: timeouts, throttling
// and server-side failures. Other 4xx codes will fail the same way again.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
