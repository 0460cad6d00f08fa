// Package authretry recovers session-scoped requests from an expired access
// token: one refresh, one retry, never a loop.
package authretry

import (
	"context"
	"errors"
	"net/http"

	"github.com/g960059/printwatch/internal/backend"
)

type RequestFunc func(ctx context.Context) (backend.Result, error)

type Refresher interface {
	Refresh(ctx context.Context) (backend.Result, error)
	Clear(ctx context.Context) error
}

// Wrap returns fn guarded by the refresh protocol. On a 401 result it refreshes
// the session once; a successful refresh retries fn once and returns that
// result as is, a refresh answered with any other status clears the session
// and yields the empty Result. A refresh that fails without an answer returns
// its error and leaves the session alone. With a nil Refresher a 401 resolves
// straight to the empty Result.
func Wrap(fn RequestFunc, r Refresher) RequestFunc {
	return func(ctx context.Context) (backend.Result, error) {
		res, err := fn(ctx)
		if err != nil || res.Status != http.StatusUnauthorized {
			return res, err
		}
		if r == nil {
			return backend.Result{}, nil
		}
		refreshed, err := r.Refresh(ctx)
		var rejected *backend.HTTPError
		if err != nil && !errors.As(err, &rejected) {
			return backend.Result{}, err
		}
		if rejected != nil || refreshed.Status != http.StatusOK {
			// Clear always resets the session; its error is logged by the store.
			_ = r.Clear(ctx)
			return backend.Result{}, nil
		}
		return fn(ctx)
	}
}
