// Package dashboard wires the session, printer polling and webcam loops into
// one client that UI code drives.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/clock"
	"github.com/g960059/printwatch/internal/config"
	"github.com/g960059/printwatch/internal/db"
	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/eventloop"
	"github.com/g960059/printwatch/internal/logging"
	"github.com/g960059/printwatch/internal/model"
	"github.com/g960059/printwatch/internal/poller"
	"github.com/g960059/printwatch/internal/session"
	"github.com/g960059/printwatch/internal/webcam"
)

type Option func(*Client)

// WithErrorHandler sets the handler for failures no component can absorb.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Client) {
		if fn != nil {
			c.onError = fn
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(c *Client) {
		c.rng = rng
	}
}

// WithProfileStore uses an already open store instead of opening
// cfg.ProfilePath. The caller keeps ownership.
func WithProfileStore(store *db.Store) Option {
	return func(c *Client) {
		c.profiles = store
	}
}

type Client struct {
	cfg        config.Config
	log        zerolog.Logger
	clock      clock.Clock
	httpClient *http.Client
	rng        *rand.Rand
	onError    func(error)

	profiles    *db.Store
	ownProfiles bool

	loop    *eventloop.Loop
	api     *backend.Client
	session *session.Store
	devices *devices.Store
	loader  *devices.Loader
	poller  *poller.Scheduler
	webcams *webcam.Streams

	unsubscribe func()
}

func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:   cfg,
		log:   logging.ForFormat(os.Stderr, cfg.LogFormat, cfg.LogLevel),
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onError == nil {
		c.onError = func(err error) {
			c.log.Error().Err(err).Msg("unhandled dashboard error")
		}
	}
	if c.profiles == nil {
		store, err := db.OpenMigrated(ctx, cfg.ProfilePath)
		if err != nil {
			return nil, fmt.Errorf("open profile store: %w", err)
		}
		c.profiles = store
		c.ownProfiles = true
	}

	c.loop = eventloop.New(c.clock)
	c.api = backend.New(cfg.BackendBase, c.httpClient, c.log.With().Str("component", "backend").Logger()).
		WithUnaryTimeout(cfg.RequestTimeout)
	c.session = session.New(c.api, c.profiles, session.Options{
		Clock:          c.clock,
		Logger:         c.log.With().Str("component", "session").Logger(),
		RefreshLead:    cfg.RefreshLead,
		RefreshTimeout: cfg.RequestTimeout,
	})
	c.devices = devices.NewStore()
	c.loader = devices.NewLoader(c.api, c.session, c.session, c.devices, c.clock)
	c.poller = poller.New(c.loop, c.loader, c.session, poller.Options{
		Fields:  cfg.PrinterFields,
		Running: poller.Window{Min: cfg.RunningPollMin, Max: cfg.RunningPollMax},
		Idle:    poller.Window{Min: cfg.IdlePollMin, Max: cfg.IdlePollMax},
		Rand:    c.rng,
		Logger:  c.log.With().Str("component", "poller").Logger(),
		OnError: c.reportError,
	})
	c.webcams = webcam.New(c.loop, c.loader, c.devices, webcam.Options{
		SettleDelay:     cfg.WebcamSettleDelay,
		DefaultInterval: cfg.WebcamDefaultInterval,
		RetryDelay:      cfg.WebcamRetryDelay,
		Logger:          c.log.With().Str("component", "webcam").Logger(),
		OnError:         c.reportError,
	})
	c.unsubscribe = c.session.Subscribe(c.sessionChanged)
	return c, nil
}

// Run drives the event loop and the session keepalive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.loop.Run(gctx)
	})
	g.Go(func() error {
		c.keepalive(gctx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.poller.Close()
	c.webcams.Close()
	if c.ownProfiles {
		return c.profiles.Close()
	}
	return nil
}

func (c *Client) Session() *session.Store {
	return c.session
}

func (c *Client) Devices() *devices.Store {
	return c.devices
}

func (c *Client) Restore(ctx context.Context) (model.Session, error) {
	return c.session.LoadFromProfile(ctx)
}

func (c *Client) RestoreFromToken(ctx context.Context, token string) (model.Session, error) {
	return c.session.LoadFromToken(ctx, token)
}

func (c *Client) Login(ctx context.Context, username, password string) (backend.Result, error) {
	return c.session.Authenticate(ctx, username, password)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.session.Clear(ctx)
}

func (c *Client) SwitchOrganization(ctx context.Context, orgID string) error {
	return c.session.SetActiveOrganization(ctx, orgID)
}

func (c *Client) WatchPrinters(orgID string) {
	c.poller.LoadAndQueueAll(orgID)
}

func (c *Client) WatchPrinter(orgID, printerID string) {
	c.poller.LoadAndQueue(orgID, printerID)
}

// UnwatchPrinter ends the printer's poll chain and webcam loop and forgets
// its last known state.
func (c *Client) UnwatchPrinter(printerID string) {
	c.poller.Stop(printerID)
	c.webcams.Stop(printerID)
	c.loop.Post(func() {
		c.devices.Remove(printerID)
	})
}

func (c *Client) SetWebcamInterval(orgID, printerID string, interval time.Duration) {
	c.webcams.SetRefreshInterval(orgID, printerID, interval)
}

func (c *Client) ResolveWebcam(ctx context.Context, printerID string) (webcam.Source, error) {
	return webcam.ResolveSource(ctx, c.api, c.devices, printerID)
}

func (c *Client) Preferences(ctx context.Context) (map[string]any, error) {
	return c.profiles.LoadPreferences(ctx)
}

func (c *Client) SavePreferences(ctx context.Context, prefs map[string]any) error {
	return c.profiles.SavePreferences(ctx, prefs)
}

func (c *Client) sessionChanged(s model.Session) {
	if s.LoggedOut() {
		c.poller.StopAll()
		c.webcams.StopAll()
		c.devices.Reset()
		return
	}
	if s.ActiveOrganization == nil || s.ActiveOrganization.UUID == c.devices.ActiveOrganization() {
		return
	}
	c.poller.StopAll()
	c.webcams.StopAll()
	c.devices.SetActiveOrganization(s.ActiveOrganization.UUID)
}

// keepalive refreshes an expiring session every KeepaliveInterval on the
// client's clock until ctx is done. Each tick re-arms after its refresh
// finishes, so ticks never overlap.
func (c *Client) keepalive(ctx context.Context) {
	interval := c.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	var (
		mu      sync.Mutex
		stopped bool
		timer   clock.Stopper
		running sync.WaitGroup
	)
	var arm func()
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		timer = c.clock.AfterFunc(interval, func() {
			mu.Lock()
			if stopped {
				mu.Unlock()
				return
			}
			running.Add(1)
			mu.Unlock()
			if _, err := c.session.RefreshIfExpiring(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn().Err(err).Msg("session keepalive failed")
			}
			running.Done()
			arm()
		})
	}
	arm()
	<-ctx.Done()
	mu.Lock()
	stopped = true
	timer.Stop()
	mu.Unlock()
	running.Wait()
}

func (c *Client) reportError(err error) {
	if err == nil {
		return
	}
	c.onError(err)
}
