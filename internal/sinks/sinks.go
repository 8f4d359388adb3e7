// Package sinks holds helpers shared by actuator adapters.
package sinks

import (
	"fmt"
	"net/http"

	power "powerrail/internal/power/domain"
)

// HTTPStatusError classifies a non-2xx response. Client errors other
// than timeouts and throttling cannot succeed on retry.
func HTTPStatusError(prefix string, code int) error {
	err := fmt.Errorf("%s: http %d", prefix, code)
	switch {
	case code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return power.Retryable(err)
	case code >= 400 && code < 500:
		return power.Fatal(err)
	default:
		return power.Retryable(err)
	}
}

// Stateful is implemented by sinks that hold connections.
type Stateful interface {
	Close() error
}
