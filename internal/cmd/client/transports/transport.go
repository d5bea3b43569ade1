// Package transports provides the transports the CLI talks to a server over.
package transports

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Transport issues one API call. in is encoded as the JSON body when non-nil
// and the response is decoded into out when non-nil.
type Transport interface {
	Call(ctx context.Context, method, path string, query url.Values, in, out any) error
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int
	Kind       string
	Detail     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%d %s: %s (retry after %s)", e.Status, e.Kind, e.Detail, e.RetryAfter)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Detail)
}
