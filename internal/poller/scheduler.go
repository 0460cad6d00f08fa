// Package poller keeps one self-rescheduling fetch chain per watched printer.
// Chains run on the event loop; only network calls leave it.
package poller

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/eventloop"
	"github.com/g960059/printwatch/internal/model"
)

var DefaultFields = []string{"job", "status", "webcam", "lights"}

// Window is a closed interval polls are drawn from.
type Window struct {
	Min time.Duration
	Max time.Duration
}

var (
	RunningWindow = Window{Min: 5000 * time.Millisecond, Max: 9000 * time.Millisecond}
	IdleWindow    = Window{Min: 11000 * time.Millisecond, Max: 18000 * time.Millisecond}
)

type Loader interface {
	LoadPrinter(ctx context.Context, orgID, printerID string, fields []string) (devices.PrinterResult, error)
	LoadPrinters(ctx context.Context, orgID string, fields []string) (devices.PrintersResult, error)
}

type SessionView interface {
	LoggedOut() bool
}

type Options struct {
	Fields  []string
	Running Window
	Idle    Window
	Rand    *rand.Rand
	Logger  zerolog.Logger
	// OnError receives failures the scheduler cannot absorb.
	OnError func(error)
}

type Scheduler struct {
	loop    *eventloop.Loop
	loader  Loader
	session SessionView
	fields  []string
	running Window
	idle    Window
	rng     *rand.Rand
	log     zerolog.Logger
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc

	// entries and timers are written only from loop tasks; mu lets callers
	// outside the loop read a consistent snapshot.
	mu        sync.RWMutex
	entries   map[string]*model.PollEntry
	timers    map[string]*eventloop.Timer
	nextToken uint64
}

func New(loop *eventloop.Loop, loader Loader, session SessionView, opts Options) *Scheduler {
	if len(opts.Fields) == 0 {
		opts.Fields = DefaultFields
	}
	if opts.Running.Max <= 0 {
		opts.Running = RunningWindow
	}
	if opts.Idle.Max <= 0 {
		opts.Idle = IdleWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		loop:    loop,
		loader:  loader,
		session: session,
		fields:  append([]string(nil), opts.Fields...),
		running: opts.Running,
		idle:    opts.Idle,
		rng:     opts.Rand,
		log:     opts.Logger,
		onError: opts.OnError,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*model.PollEntry{},
		timers:  map[string]*eventloop.Timer{},
	}
}

// PickInterval draws a poll interval for state from the default windows.
func PickInterval(state string, rng *rand.Rand) time.Duration {
	return pick(state, RunningWindow, IdleWindow, rng)
}

func pick(state string, running, idle Window, rng *rand.Rand) time.Duration {
	w := idle
	if state == model.PrinterStatePrinting || state == model.PrinterStatePaused {
		w = running
	}
	minMS := w.Min.Milliseconds()
	span := w.Max.Milliseconds() - minMS + 1
	if span <= 1 {
		return w.Min
	}
	var n int64
	if rng != nil {
		n = rng.Int64N(span)
	} else {
		n = rand.Int64N(span)
	}
	return time.Duration(minMS+n) * time.Millisecond
}

func (s *Scheduler) Entry(printerID string) (model.PollEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[printerID]
	if !ok {
		return model.PollEntry{}, false
	}
	return *e, true
}

func (s *Scheduler) Live(printerID string) bool {
	e, ok := s.Entry(printerID)
	return ok && e.Live()
}

// LoadAndQueue loads a printer once and, unless it is already tracked by a
// live entry, starts its poll chain.
func (s *Scheduler) LoadAndQueue(orgID, printerID string) {
	s.loop.Post(func() {
		if s.session.LoggedOut() {
			return
		}
		eventloop.Await(s.loop, s.ctx, func(ctx context.Context) (devices.PrinterResult, error) {
			return s.loader.LoadPrinter(ctx, orgID, printerID, s.fields)
		}, func(res devices.PrinterResult, err error) {
			if err != nil {
				s.handleError(printerID, err)
				return
			}
			if res.Status != http.StatusOK {
				return
			}
			s.seed(orgID, printerID, res.Printer.State())
		})
	})
}

// LoadAndQueueAll loads every printer of an organization in one call and
// seeds a chain for each printer that is not tracked yet.
func (s *Scheduler) LoadAndQueueAll(orgID string) {
	s.loop.Post(func() {
		if s.session.LoggedOut() {
			return
		}
		eventloop.Await(s.loop, s.ctx, func(ctx context.Context) (devices.PrintersResult, error) {
			return s.loader.LoadPrinters(ctx, orgID, s.fields)
		}, func(res devices.PrintersResult, err error) {
			if err != nil {
				s.handleError("", err)
				return
			}
			if res.Status != http.StatusOK {
				return
			}
			for _, p := range res.Printers {
				s.seed(orgID, p.UUID, p.State())
			}
		})
	})
}

// Stop marks the printer's entry stopped. Its chain ends at the next check.
func (s *Scheduler) Stop(printerID string) {
	s.loop.Post(func() {
		s.stop(printerID)
	})
}

func (s *Scheduler) StopAll() {
	s.loop.Post(func() {
		s.mu.RLock()
		ids := make([]string, 0, len(s.entries))
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		for _, id := range ids {
			s.stop(id)
		}
	})
}

// Close stops every chain and aborts fetches in flight.
func (s *Scheduler) Close() {
	s.StopAll()
	s.cancel()
}

func (s *Scheduler) seed(orgID, printerID, state string) {
	if printerID == "" {
		return
	}
	s.mu.Lock()
	if e, ok := s.entries[printerID]; ok && e.Live() {
		s.mu.Unlock()
		return
	}
	s.nextToken++
	e := &model.PollEntry{
		DeviceID:       printerID,
		OrganizationID: orgID,
		Interval:       pick(state, s.running, s.idle, s.rng),
		LastKnownState: state,
		Token:          s.nextToken,
	}
	s.entries[printerID] = e
	s.mu.Unlock()
	s.log.Debug().Str("printer", printerID).Str("state", state).Dur("interval", e.Interval).Msg("poll queued")
	s.schedule(printerID, e.Token, e.Interval)
}

func (s *Scheduler) schedule(printerID string, token uint64, interval time.Duration) {
	t := s.loop.After(interval, func() {
		s.poll(printerID, token)
	})
	s.mu.Lock()
	s.timers[printerID] = t
	s.mu.Unlock()
}

// current returns the entry only while it still belongs to the chain holding
// token and is live.
func (s *Scheduler) current(printerID string, token uint64) *model.PollEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[printerID]
	if !ok || e.Token != token || !e.Live() {
		return nil
	}
	return e
}

func (s *Scheduler) poll(printerID string, token uint64) {
	e := s.current(printerID, token)
	if e == nil {
		return
	}
	if s.session.LoggedOut() {
		s.stop(printerID)
		return
	}
	orgID, prev := e.OrganizationID, e.LastKnownState
	eventloop.Await(s.loop, s.ctx, func(ctx context.Context) (devices.PrinterResult, error) {
		return s.loader.LoadPrinter(ctx, orgID, printerID, s.fields)
	}, func(res devices.PrinterResult, err error) {
		s.afterPoll(printerID, token, prev, res, err)
	})
}

func (s *Scheduler) afterPoll(printerID string, token uint64, prev string, res devices.PrinterResult, err error) {
	e := s.current(printerID, token)
	if e == nil {
		return
	}
	if err != nil {
		s.stop(printerID)
		s.handleError(printerID, err)
		return
	}
	if res.Status != http.StatusOK {
		s.log.Debug().Str("printer", printerID).Int("status", res.Status).Msg("poll stopped")
		s.stop(printerID)
		return
	}
	interval := e.Interval
	if state := res.Printer.State(); state != prev {
		interval = pick(state, s.running, s.idle, s.rng)
		s.mu.Lock()
		e.Interval = interval
		e.LastKnownState = state
		s.mu.Unlock()
		s.log.Debug().Str("printer", printerID).Str("from", prev).Str("to", state).Dur("interval", interval).Msg("poll interval changed")
	}
	if s.session.LoggedOut() {
		s.stop(printerID)
		return
	}
	s.schedule(printerID, token, interval)
}

func (s *Scheduler) stop(printerID string) {
	s.mu.Lock()
	if e, ok := s.entries[printerID]; ok {
		e.Interval = model.PollStopped
	}
	t := s.timers[printerID]
	delete(s.timers, printerID)
	s.mu.Unlock()
	t.Cancel()
}

func (s *Scheduler) handleError(printerID string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, devices.ErrNoOrganizationAccess), errors.Is(err, devices.ErrOrganizationMismatch):
		s.log.Debug().Str("printer", printerID).Err(err).Msg("poll dropped")
		return
	}
	s.log.Error().Str("printer", printerID).Err(err).Msg("poll failed")
	if s.onError != nil {
		s.onError(err)
	}
}
