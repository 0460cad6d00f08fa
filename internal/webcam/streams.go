package webcam

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/eventloop"
	"github.com/g960059/printwatch/internal/model"
)

const (
	DefaultSettleDelay = 300 * time.Millisecond
	DefaultInterval    = 60 * time.Second
	DefaultRetryDelay  = 5 * time.Second
)

type Fetcher interface {
	FetchSnapshot(ctx context.Context, orgID, printerID string) (model.Snapshot, error)
}

type Recorder interface {
	RecordSnapshot(snap model.Snapshot) bool
}

type Options struct {
	SettleDelay     time.Duration
	DefaultInterval time.Duration
	RetryDelay      time.Duration
	Logger          zerolog.Logger
	OnError         func(error)
}

type entry struct {
	model.WebcamQueueEntry
	timer *eventloop.Timer
}

// Streams runs one snapshot loop per webcam. Each entry holds at most one
// pending timer; every scheduling path cancels it before arming a new one.
type Streams struct {
	loop     *eventloop.Loop
	fetcher  Fetcher
	recorder Recorder
	settle   time.Duration
	interval time.Duration
	retry    time.Duration
	log      zerolog.Logger
	onError  func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	queue map[string]*entry
}

func New(loop *eventloop.Loop, fetcher Fetcher, recorder Recorder, opts Options) *Streams {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Streams{
		loop:     loop,
		fetcher:  fetcher,
		recorder: recorder,
		settle:   opts.SettleDelay,
		interval: opts.DefaultInterval,
		retry:    opts.RetryDelay,
		log:      opts.Logger,
		onError:  opts.OnError,
		ctx:      ctx,
		cancel:   cancel,
		queue:    map[string]*entry{},
	}
}

func (s *Streams) Entry(printerID string) (model.WebcamQueueEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[printerID]
	if !ok {
		return model.WebcamQueueEntry{}, false
	}
	return e.WebcamQueueEntry, true
}

// Pending reports whether the printer has a timer that is going to fire.
func (s *Streams) Pending(printerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[printerID]
	return ok && e.timer.Live()
}

// SetRefreshInterval registers interest in a printer's webcam at the given
// cadence. A new entry fetches after the settle delay. A shorter interval
// than the current one replaces the pending timer the same way; any other
// change only updates the stored interval.
func (s *Streams) SetRefreshInterval(orgID, printerID string, requested time.Duration) {
	s.loop.Post(func() {
		s.mu.Lock()
		e, ok := s.queue[printerID]
		switch {
		case !ok:
			e = &entry{WebcamQueueEntry: model.WebcamQueueEntry{
				DeviceID:       printerID,
				OrganizationID: orgID,
				Interval:       s.normalize(requested),
			}}
			s.queue[printerID] = e
			s.mu.Unlock()
			s.arm(e, s.settle)
		case e.Interval > requested:
			e.OrganizationID = orgID
			e.Interval = s.normalize(requested)
			s.mu.Unlock()
			s.arm(e, s.settle)
		case e.Interval != requested:
			e.Interval = s.normalize(requested)
			s.mu.Unlock()
		default:
			s.mu.Unlock()
		}
	})
}

// Stop forgets a printer's entry so a later SetRefreshInterval starts over.
func (s *Streams) Stop(printerID string) {
	s.loop.Post(func() {
		s.remove(printerID)
	})
}

func (s *Streams) StopAll() {
	s.loop.Post(func() {
		s.mu.RLock()
		ids := make([]string, 0, len(s.queue))
		for id := range s.queue {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		for _, id := range ids {
			s.remove(id)
		}
	})
}

func (s *Streams) Close() {
	s.StopAll()
	s.cancel()
}

func (s *Streams) normalize(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.interval
}

func (s *Streams) remove(printerID string) {
	s.mu.Lock()
	e, ok := s.queue[printerID]
	delete(s.queue, printerID)
	s.mu.Unlock()
	if ok {
		e.timer.Cancel()
	}
}

func (s *Streams) arm(e *entry, delay time.Duration) {
	e.timer.Cancel()
	orgID, printerID := e.OrganizationID, e.DeviceID
	t := s.loop.After(delay, func() {
		s.fetch(orgID, printerID)
	})
	s.mu.Lock()
	e.timer = t
	e.TimerID = t.ID
	s.mu.Unlock()
}

func (s *Streams) current(printerID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue[printerID]
}

func (s *Streams) fetch(orgID, printerID string) {
	eventloop.Await(s.loop, s.ctx, func(ctx context.Context) (model.Snapshot, error) {
		return s.fetcher.FetchSnapshot(ctx, orgID, printerID)
	}, func(snap model.Snapshot, err error) {
		s.settleFetch(orgID, printerID, snap, err)
	})
}

func (s *Streams) settleFetch(orgID, printerID string, snap model.Snapshot, err error) {
	if err == nil {
		if snap.Status == 0 {
			// The session was cleared while refreshing the token.
			return
		}
		s.recorder.RecordSnapshot(snap)
		if e := s.current(printerID); e != nil && e.Interval > 0 {
			s.arm(e, e.Interval)
		}
		return
	}

	var unavailable *backend.StreamUnavailableError
	var transient *backend.FailedToFetchDataError
	var httpErr *backend.HTTPError
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, devices.ErrOrganizationMismatch),
		errors.Is(err, devices.ErrNoOrganizationAccess),
		errors.Is(err, devices.ErrNoWebcam):
		s.log.Debug().Str("printer", printerID).Err(err).Msg("snapshot skipped")
	case errors.As(err, &unavailable):
		s.recorder.RecordSnapshot(model.Snapshot{OrganizationID: orgID, DeviceID: printerID, Status: http.StatusNotFound})
		if e := s.current(printerID); e != nil {
			e.timer.Cancel()
		}
	case errors.As(err, &transient):
		s.recorder.RecordSnapshot(model.Snapshot{OrganizationID: orgID, DeviceID: printerID, Status: http.StatusBadGateway})
		if e := s.current(printerID); e != nil {
			s.log.Debug().Str("printer", printerID).Dur("delay", s.retry).Msg("snapshot retry scheduled")
			s.arm(e, s.retry)
		}
	case errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound:
		s.log.Debug().Str("printer", printerID).Str("path", httpErr.Path).Msg("snapshot url not found")
	default:
		s.log.Error().Str("printer", printerID).Err(err).Msg("snapshot failed")
		if s.onError != nil {
			s.onError(err)
		}
	}
}
