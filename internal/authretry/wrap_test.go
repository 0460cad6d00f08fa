package authretry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/g960059/printwatch/internal/backend"
)

type fakeRefresher struct {
	status    int
	err       error
	refreshes int
	clears    int
}

func (f *fakeRefresher) Refresh(context.Context) (backend.Result, error) {
	f.refreshes++
	return backend.Result{Status: f.status}, f.err
}

func (f *fakeRefresher) Clear(context.Context) error {
	f.clears++
	return nil
}

func countingRequest(statuses ...int) (RequestFunc, *int) {
	calls := 0
	return func(context.Context) (backend.Result, error) {
		i := calls
		calls++
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		return backend.Result{Status: statuses[i], Data: []byte(`{}`)}, nil
	}, &calls
}

func TestWrapPassesThroughNonUnauthorized(t *testing.T) {
	fn, calls := countingRequest(http.StatusOK)
	r := &fakeRefresher{status: http.StatusOK}
	res, err := Wrap(fn, r)(context.Background())
	if err != nil || res.Status != http.StatusOK {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if *calls != 1 || r.refreshes != 0 {
		t.Fatalf("expected 1 call and no refresh, got calls=%d refreshes=%d", *calls, r.refreshes)
	}
}

func TestWrapRefreshesOnceAndRetriesOnce(t *testing.T) {
	fn, calls := countingRequest(http.StatusUnauthorized, http.StatusOK)
	r := &fakeRefresher{status: http.StatusOK}
	res, err := Wrap(fn, r)(context.Background())
	if err != nil || res.Status != http.StatusOK {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if *calls != 2 || r.refreshes != 1 || r.clears != 0 {
		t.Fatalf("calls=%d refreshes=%d clears=%d", *calls, r.refreshes, r.clears)
	}
}

func TestWrapPersistentUnauthorizedNeverLoops(t *testing.T) {
	fn, calls := countingRequest(http.StatusUnauthorized)
	r := &fakeRefresher{status: http.StatusOK}
	res, err := Wrap(fn, r)(context.Background())
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if res.Status != http.StatusUnauthorized {
		t.Fatalf("expected the retried 401 to be returned, got %d", res.Status)
	}
	if r.refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", r.refreshes)
	}
	if *calls != 2 {
		t.Fatalf("expected exactly two request calls, got %d", *calls)
	}
}

func TestWrapFailedRefreshClearsSessionAndReturnsEmpty(t *testing.T) {
	for _, r := range []*fakeRefresher{
		{status: http.StatusUnauthorized},
		{status: http.StatusUnprocessableEntity},
		{err: &backend.HTTPError{Status: http.StatusForbidden, Path: "/tokens/refresh"}},
	} {
		fn, calls := countingRequest(http.StatusUnauthorized, http.StatusOK)
		res, err := Wrap(fn, r)(context.Background())
		if err != nil {
			t.Fatalf("refresh failure must not propagate, got %v", err)
		}
		if !res.Empty() {
			t.Fatalf("expected empty result, got %+v", res)
		}
		if *calls != 1 || r.refreshes != 1 || r.clears != 1 {
			t.Fatalf("calls=%d refreshes=%d clears=%d", *calls, r.refreshes, r.clears)
		}
	}
}

func TestWrapRefreshErrorPropagatesWithoutClearing(t *testing.T) {
	for _, refreshErr := range []error{
		&backend.FailedToFetchDataError{Path: "/tokens/refresh"},
		&backend.MaintenanceError{Path: "/tokens/refresh"},
		context.Canceled,
	} {
		fn, calls := countingRequest(http.StatusUnauthorized, http.StatusOK)
		r := &fakeRefresher{err: refreshErr}
		res, err := Wrap(fn, r)(context.Background())
		if !errors.Is(err, refreshErr) {
			t.Fatalf("expected %v, got %v", refreshErr, err)
		}
		if !res.Empty() {
			t.Fatalf("expected empty result, got %+v", res)
		}
		if *calls != 1 || r.refreshes != 1 || r.clears != 0 {
			t.Fatalf("%v: calls=%d refreshes=%d clears=%d", refreshErr, *calls, r.refreshes, r.clears)
		}
	}

	var maintenance *backend.MaintenanceError
	fn, _ := countingRequest(http.StatusUnauthorized)
	_, err := Wrap(fn, &fakeRefresher{err: &backend.MaintenanceError{Path: "/tokens/refresh"}})(context.Background())
	if !errors.As(err, &maintenance) {
		t.Fatalf("expected maintenance error surfaced as is, got %v", err)
	}
}

func TestWrapWithoutRefresherResolvesEmpty(t *testing.T) {
	fn, calls := countingRequest(http.StatusUnauthorized)
	res, err := Wrap(fn, nil)(context.Background())
	if err != nil || !res.Empty() {
		t.Fatalf("expected empty result, got %+v %v", res, err)
	}
	if *calls != 1 {
		t.Fatalf("expected a single call, got %d", *calls)
	}
}

func TestWrapPropagatesRequestErrors(t *testing.T) {
	want := &backend.MaintenanceError{Path: "/printers"}
	r := &fakeRefresher{status: http.StatusOK}
	_, err := Wrap(func(context.Context) (backend.Result, error) {
		return backend.Result{}, want
	}, r)(context.Background())
	var maintenance *backend.MaintenanceError
	if !errors.As(err, &maintenance) {
		t.Fatalf("expected maintenance error, got %v", err)
	}
	if r.refreshes != 0 {
		t.Fatalf("errors must not trigger refresh")
	}
}
