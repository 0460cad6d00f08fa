package poller

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/clock"
	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/eventloop"
	"github.com/g960059/printwatch/internal/model"
	"github.com/g960059/printwatch/internal/testutil"
)

type fakeSession struct {
	out atomic.Bool
}

func (f *fakeSession) LoggedOut() bool { return f.out.Load() }

func (f *fakeSession) HasOrganization(orgID string) bool { return orgID == "o1" }

type harness struct {
	sched   *Scheduler
	backend *testutil.Backend
	clock   *clock.Fake
	loop    *eventloop.Loop
	session *fakeSession
	loader  *devices.Loader
	errs    []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: testutil.NewBackend(t),
		clock:   clock.NewFake(time.Time{}),
		session: &fakeSession{},
	}
	h.loop = eventloop.New(h.clock)
	store := devices.NewStore()
	store.SetActiveOrganization("o1")
	h.loader = devices.NewLoader(h.backend.Client(), h.session, nil, store, h.clock)
	h.sched = New(h.loop, h.loader, h.session, Options{
		Rand:    rand.New(rand.NewPCG(1, 2)),
		Logger:  zerolog.Nop(),
		OnError: func(err error) { h.errs = append(h.errs, err) },
	})
	t.Cleanup(h.sched.Close)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.RunUntilIdle()
}

func (h *harness) addPrinter(id, state string) {
	h.backend.SetPrinter("o1", model.Printer{UUID: id, Name: id, Status: &model.PrinterStatus{State: state}})
}

func inWindow(d time.Duration, w Window) bool {
	return d >= w.Min && d <= w.Max && d%time.Millisecond == 0
}

func TestPickIntervalWindows(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	seen := map[time.Duration]bool{}
	for i := 0; i < 2000; i++ {
		for _, state := range []string{model.PrinterStatePrinting, model.PrinterStatePaused} {
			if d := PickInterval(state, rng); !inWindow(d, RunningWindow) {
				t.Fatalf("%s: interval %v outside running window", state, d)
			}
		}
		for _, state := range []string{model.PrinterStateOperational, model.PrinterStateOffline, ""} {
			d := PickInterval(state, rng)
			if !inWindow(d, IdleWindow) {
				t.Fatalf("%q: interval %v outside idle window", state, d)
			}
			seen[d] = true
		}
	}
	if len(seen) < 100 {
		t.Fatalf("expected intervals drawn fresh each time, got %d distinct values", len(seen))
	}
}

func TestOperationalThenPrintingThenFailureStops(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)

	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	e, ok := h.sched.Entry("p1")
	if !ok || !inWindow(e.Interval, IdleWindow) {
		t.Fatalf("expected idle interval, got %+v %v", e, ok)
	}
	if got := h.backend.Hits("printer"); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}

	h.backend.SetPrinterState("o1", "p1", model.PrinterStatePrinting)
	h.advance(e.Interval)
	if got := h.backend.Hits("printer"); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
	e, _ = h.sched.Entry("p1")
	if !inWindow(e.Interval, RunningWindow) || e.LastKnownState != model.PrinterStatePrinting {
		t.Fatalf("expected running interval after Printing, got %+v", e)
	}

	h.backend.FailPrinter("p1", http.StatusForbidden)
	h.advance(e.Interval)
	if got := h.backend.Hits("printer"); got != 3 {
		t.Fatalf("expected 3 fetches, got %d", got)
	}
	e, _ = h.sched.Entry("p1")
	if e.Interval != model.PollStopped || h.sched.Live("p1") {
		t.Fatalf("expected stopped entry, got %+v", e)
	}
	h.advance(time.Minute)
	if got := h.backend.Hits("printer"); got != 3 {
		t.Fatalf("stopped chain fetched again: %d", got)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("expected no pending timers, got %d", n)
	}
	if len(h.errs) != 0 {
		t.Fatalf("non-200 must not reach the error handler: %v", h.errs)
	}
}

func TestUnchangedStateKeepsInterval(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStatePrinting)
	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	first, _ := h.sched.Entry("p1")
	for i := 0; i < 3; i++ {
		h.advance(first.Interval)
	}
	e, _ := h.sched.Entry("p1")
	if e.Interval != first.Interval {
		t.Fatalf("interval changed without a state change: %v -> %v", first.Interval, e.Interval)
	}
	if got := h.backend.Hits("printer"); got != 4 {
		t.Fatalf("expected 4 fetches, got %d", got)
	}
}

func TestLoggedOutBeforeFetchPerformsNoFurtherFetch(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)
	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()

	h.session.out.Store(true)
	h.advance(20 * time.Second)
	if got := h.backend.Hits("printer"); got != 1 {
		t.Fatalf("expected no fetch after logout, got %d", got)
	}
	if h.sched.Live("p1") {
		t.Fatalf("expected chain to end")
	}
	h.advance(time.Minute)
	if got := h.backend.Hits("printer"); got != 1 {
		t.Fatalf("expected no fetch after logout, got %d", got)
	}
}

type logoutLoader struct {
	inner   Loader
	session *fakeSession
	calls   atomic.Int32
}

func (l *logoutLoader) LoadPrinter(ctx context.Context, orgID, printerID string, fields []string) (devices.PrinterResult, error) {
	if l.calls.Add(1) == 2 {
		l.session.out.Store(true)
	}
	return l.inner.LoadPrinter(ctx, orgID, printerID, fields)
}

func (l *logoutLoader) LoadPrinters(ctx context.Context, orgID string, fields []string) (devices.PrintersResult, error) {
	return l.inner.LoadPrinters(ctx, orgID, fields)
}

func TestLogoutDuringFetchCompletesButDoesNotReschedule(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)
	loader := &logoutLoader{inner: h.loader, session: h.session}
	sched := New(h.loop, loader, h.session, Options{Rand: rand.New(rand.NewPCG(3, 4))})
	t.Cleanup(sched.Close)

	sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	h.advance(18 * time.Second)
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("expected the in-flight fetch to complete, got %d calls", got)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("expected no reschedule after logout, got %d timers", n)
	}
	h.advance(time.Minute)
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("expected no further fetch, got %d", got)
	}
}

func TestDuplicateLoadAndQueueKeepsOneChain(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)
	h.sched.LoadAndQueue("o1", "p1")
	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	if got := h.backend.Hits("printer"); got != 2 {
		t.Fatalf("expected both initial loads, got %d", got)
	}
	e, _ := h.sched.Entry("p1")
	if e.Token != 1 {
		t.Fatalf("expected a single chain, got token %d", e.Token)
	}
	h.advance(IdleWindow.Max)
	if got := h.backend.Hits("printer"); got != 3 {
		t.Fatalf("expected exactly one chained fetch, got %d", got-2)
	}
}

func TestStoppedEntryCanBeRestarted(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)
	h.sched.LoadAndQueue("o1", "p1")
	h.sched.Stop("p1")
	h.loop.RunUntilIdle()
	// Stop runs before the initial load resolves, so the load seeds a chain.
	if !h.sched.Live("p1") {
		t.Fatalf("expected the load to seed a chain after the early stop")
	}
	h.sched.Stop("p1")
	h.loop.RunUntilIdle()
	if h.sched.Live("p1") {
		t.Fatalf("expected stopped entry")
	}
	h.advance(time.Minute)
	if got := h.backend.Hits("printer"); got != 1 {
		t.Fatalf("stopped chain fetched: %d", got)
	}

	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	e, _ := h.sched.Entry("p1")
	if !e.Live() || e.Token != 2 {
		t.Fatalf("expected restarted chain, got %+v", e)
	}
}

func TestLoadAndQueueAllSeedsUntrackedPrinters(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStatePaused)
	h.addPrinter("p2", model.PrinterStateOffline)
	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	before, _ := h.sched.Entry("p1")

	h.sched.LoadAndQueueAll("o1")
	h.loop.RunUntilIdle()
	if got := h.backend.Hits("printers"); got != 1 {
		t.Fatalf("expected one bulk load, got %d", got)
	}
	p1, _ := h.sched.Entry("p1")
	p2, ok := h.sched.Entry("p2")
	if p1.Token != before.Token || p1.Interval != before.Interval {
		t.Fatalf("tracked printer was reseeded: %+v -> %+v", before, p1)
	}
	if !ok || !inWindow(p2.Interval, IdleWindow) {
		t.Fatalf("expected p2 seeded with idle interval, got %+v", p2)
	}
	if !inWindow(p1.Interval, RunningWindow) {
		t.Fatalf("expected paused printer on running window, got %v", p1.Interval)
	}
	if got := len(h.loader.Store().List()); got != 2 {
		t.Fatalf("expected 2 printers stored, got %d", got)
	}
}

func TestFetchErrorStopsChainAndReachesHandler(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)
	h.sched.LoadAndQueue("o1", "p1")
	h.loop.RunUntilIdle()
	e, _ := h.sched.Entry("p1")

	h.backend.FailPrinter("p1", http.StatusServiceUnavailable)
	h.advance(e.Interval)
	var maintenance *backend.MaintenanceError
	if len(h.errs) != 1 || !errors.As(h.errs[0], &maintenance) {
		t.Fatalf("expected one maintenance error, got %v", h.errs)
	}
	if h.sched.Live("p1") {
		t.Fatalf("expected chain stopped after error")
	}
}

func TestNoOrganizationAccessIsSilent(t *testing.T) {
	h := newHarness(t)
	h.addPrinter("p1", model.PrinterStateOperational)
	h.sched.LoadAndQueue("elsewhere", "p1")
	h.loop.RunUntilIdle()
	if _, ok := h.sched.Entry("p1"); ok {
		t.Fatalf("expected no entry")
	}
	if len(h.errs) != 0 || h.backend.Hits("printer") != 0 {
		t.Fatalf("expected no fetch and no error, got %v", h.errs)
	}
}
