package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/clock"
	"github.com/g960059/printwatch/internal/model"
)

var ErrUnknownOrganization = errors.New("unknown organization")

type API interface {
	Authenticate(ctx context.Context, username, password string) (backend.Result, error)
	AuthenticateFresh(ctx context.Context, username, password string) (backend.Result, error)
	RefreshAccessToken(ctx context.Context) (backend.Result, error)
	ChangePassword(ctx context.Context, username, password, newPassword, confirmation string) (backend.Result, error)
	Logout(ctx context.Context) (backend.Result, error)
	SetCookie(name, value string)
}

type ProfileStore interface {
	LoadProfile(ctx context.Context) (*model.Profile, error)
	SaveProfile(ctx context.Context, profile model.Profile) error
	DropProfile(ctx context.Context) error
}

type Options struct {
	Clock  clock.Clock
	Logger zerolog.Logger
	// RefreshLead is how close to expiry a stored token gets refreshed.
	RefreshLead time.Duration
	// RefreshTimeout bounds a shared refresh, which outlives any single
	// caller's context.
	RefreshTimeout time.Duration
}

// Store holds the single session. It is the authority pollers consult before
// fetching or rescheduling.
type Store struct {
	api         API
	profiles    ProfileStore
	clock       clock.Clock
	log         zerolog.Logger
	refreshLead time.Duration
	refreshTTL  time.Duration

	mu          sync.RWMutex
	session     model.Session
	subscribers map[int]func(model.Session)
	nextSubID   int

	refreshes singleflight.Group
}

func New(api API, profiles ProfileStore, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.RefreshLead <= 0 {
		opts.RefreshLead = 90 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &Store{
		api:         api,
		profiles:    profiles,
		clock:       opts.Clock,
		log:         opts.Logger,
		refreshLead: opts.RefreshLead,
		refreshTTL:  opts.RefreshTimeout,
		session:     model.LoggedOutSession(),
		subscribers: map[int]func(model.Session){},
	}
}

func (s *Store) Current() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

func (s *Store) State() model.Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.State
}

func (s *Store) LoggedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.LoggedOut()
}

func (s *Store) HasOrganization(orgID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, org := range s.session.Organizations {
		if org.UUID == orgID {
			return true
		}
	}
	return false
}

func (s *Store) ActiveOrganization() (model.Organization, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.ActiveOrganization == nil {
		return model.Organization{}, false
	}
	return *s.session.ActiveOrganization, true
}

func (s *Store) SetActiveOrganization(ctx context.Context, orgID string) error {
	s.mu.Lock()
	var found *model.Organization
	for i := range s.session.Organizations {
		if s.session.Organizations[i].UUID == orgID {
			org := s.session.Organizations[i]
			found = &org
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrganization, orgID)
	}
	s.session.ActiveOrganization = found
	snapshot := s.session.Clone()
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		return err
	}
	s.notify(snapshot)
	return nil
}

// Subscribe registers fn for every session change and returns its cancel func.
func (s *Store) Subscribe(fn func(model.Session)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// LoadFromProfile restores the persisted session. A token expiring within the
// refresh lead is refreshed first; a failed refresh clears the session.
func (s *Store) LoadFromProfile(ctx context.Context) (model.Session, error) {
	profile, err := s.profiles.LoadProfile(ctx)
	if err != nil {
		return s.Current(), fmt.Errorf("load profile: %w", err)
	}
	if profile == nil {
		return s.Current(), s.Clear(ctx)
	}
	if exp := profile.AccessTokenExpiresOn; exp != nil && expiresWithin(*exp, s.clock.Now(), s.refreshLead) {
		rejected, err := refreshRejected(s.Refresh(ctx))
		if err != nil {
			return s.Current(), err
		}
		if rejected {
			return s.Current(), s.Clear(ctx)
		}
		return s.Current(), nil
	}
	next := sessionFromProfile(*profile)
	s.mu.Lock()
	s.session = next
	snapshot := s.session.Clone()
	s.mu.Unlock()
	if err := s.persist(ctx, snapshot); err != nil {
		return snapshot, err
	}
	s.notify(snapshot)
	return snapshot, nil
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (backend.Result, error) {
	res, err := s.api.Authenticate(ctx, username, password)
	return s.applyResult(ctx, res, err, false)
}

func (s *Store) AuthenticateFresh(ctx context.Context, username, password string) (backend.Result, error) {
	res, err := s.api.AuthenticateFresh(ctx, username, password)
	return s.applyResult(ctx, res, err, false)
}

// Refresh exchanges the refresh cookie for a new access token. Concurrent
// callers share one backend call; a caller whose ctx ends stops waiting but
// the shared call keeps going for the others.
func (s *Store) Refresh(ctx context.Context) (backend.Result, error) {
	ch := s.refreshes.DoChan("refresh", func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTTL)
		defer cancel()
		res, err := s.api.RefreshAccessToken(shared)
		return s.applyResult(shared, res, err, true)
	})
	select {
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(backend.Result)
		return res, r.Err
	}
}

func (s *Store) ChangePassword(ctx context.Context, username, password, newPassword, confirmation string) (backend.Result, error) {
	res, err := s.api.ChangePassword(ctx, username, password, newPassword, confirmation)
	return s.applyResult(ctx, res, err, true)
}

// RequireFreshToken marks a logged-in session as needing re-authentication
// before sensitive operations.
func (s *Store) RequireFreshToken(ctx context.Context) error {
	s.mu.Lock()
	if s.session.State != model.LifecycleLoggedIn {
		s.mu.Unlock()
		return nil
	}
	s.session.State = model.LifecycleFreshTokenRequired
	s.session.HasFreshToken = false
	snapshot := s.session.Clone()
	s.mu.Unlock()
	if err := s.persist(ctx, snapshot); err != nil {
		return err
	}
	s.notify(snapshot)
	return nil
}

// RefreshIfExpiring refreshes a live session whose token is within the
// refresh lead of expiry. It reports whether a refresh was attempted.
func (s *Store) RefreshIfExpiring(ctx context.Context) (bool, error) {
	s.mu.RLock()
	loggedOut := s.session.LoggedOut()
	var exp time.Time
	if s.session.AccessTokenExpiresOn != nil {
		exp = *s.session.AccessTokenExpiresOn
	}
	s.mu.RUnlock()
	if loggedOut || !expiresWithin(exp, s.clock.Now(), s.refreshLead) {
		return false, nil
	}
	rejected, err := refreshRejected(s.Refresh(ctx))
	if err != nil {
		return true, err
	}
	if rejected {
		return true, s.Clear(ctx)
	}
	return true, nil
}

// refreshRejected reports whether the backend answered a refresh with anything
// but 200. Failures without an answer come back as the error.
func refreshRejected(res backend.Result, err error) (bool, error) {
	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return res.Status != http.StatusOK, nil
}

// Clear resets the session to logged-out. It is idempotent; the backend logout
// is best effort and only attempted for a live session.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	wasLoggedOut := s.session.LoggedOut()
	s.session = model.LoggedOutSession()
	snapshot := s.session.Clone()
	s.mu.Unlock()

	if !wasLoggedOut {
		if _, err := s.api.Logout(ctx); err != nil {
			s.log.Warn().Err(err).Msg("logout request failed")
		}
	}
	var dropErr error
	if err := s.profiles.DropProfile(ctx); err != nil {
		s.log.Error().Err(err).Msg("drop persisted profile")
		dropErr = fmt.Errorf("drop profile: %w", err)
	}
	if !wasLoggedOut {
		s.notify(snapshot)
	}
	return dropErr
}

func (s *Store) applyResult(ctx context.Context, res backend.Result, err error, merge bool) (backend.Result, error) {
	if err != nil || res.Status != http.StatusOK {
		return res, err
	}
	var data model.UserData
	if err := res.Decode(&data); err != nil {
		return res, err
	}
	snapshot := s.applyUserData(data, merge)
	if err := s.persist(ctx, snapshot); err != nil {
		return res, err
	}
	s.notify(snapshot)
	return res, nil
}

func (s *Store) applyUserData(data model.UserData, merge bool) model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := sessionFromUserData(data)
	if merge && s.session.ActiveOrganization != nil {
		for i := range next.Organizations {
			if next.Organizations[i].UUID == s.session.ActiveOrganization.UUID {
				org := next.Organizations[i]
				next.ActiveOrganization = &org
				break
			}
		}
	}
	if merge && next.Email == "" {
		next.Email = s.session.Email
	}
	s.session = next
	return s.session.Clone()
}

func (s *Store) persist(ctx context.Context, snapshot model.Session) error {
	if err := s.profiles.SaveProfile(ctx, profileFromSession(snapshot)); err != nil {
		s.log.Error().Err(err).Str("identity", snapshot.Identity).Msg("persist profile")
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

func (s *Store) notify(snapshot model.Session) {
	s.mu.RLock()
	subs := make([]func(model.Session), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(snapshot.Clone())
	}
}

func sessionFromUserData(data model.UserData) model.Session {
	state := model.LifecycleLoggedIn
	if data.ForcePwdChange {
		state = model.LifecyclePwdChangeRequired
	}
	out := model.Session{
		State:         state,
		Identity:      data.Identity,
		Username:      data.Username,
		Email:         data.Email,
		SystemRole:    data.SystemRole,
		HasFreshToken: data.Fresh,
		Organizations: append([]model.Organization(nil), data.Organizations...),
	}
	if data.ExpiresOn != nil {
		v := data.ExpiresOn.UTC()
		out.AccessTokenExpiresOn = &v
	}
	if len(out.Organizations) > 0 {
		org := out.Organizations[0]
		out.ActiveOrganization = &org
	}
	return out
}

func sessionFromProfile(p model.Profile) model.Session {
	state := p.CurrentState
	if !state.Valid() || state == model.LifecycleLoggedOut {
		state = model.LifecycleLoggedIn
	}
	out := model.Session{
		State:                state,
		Identity:             p.Identity,
		Username:             strings.TrimSpace(p.Username),
		Email:                p.Email,
		SystemRole:           p.SystemRole,
		HasFreshToken:        p.HasFreshToken,
		AccessTokenExpiresOn: p.AccessTokenExpiresOn,
		Organizations:        p.Organizations,
		ActiveOrganization:   p.ActiveOrganization,
	}
	if out.ActiveOrganization == nil && len(out.Organizations) > 0 {
		org := out.Organizations[0]
		out.ActiveOrganization = &org
	}
	return out.Clone()
}

func profileFromSession(s model.Session) model.Profile {
	return model.Profile{
		Identity:             s.Identity,
		Username:             s.Username,
		Email:                s.Email,
		SystemRole:           s.SystemRole,
		HasFreshToken:        s.HasFreshToken,
		AccessTokenExpiresOn: s.AccessTokenExpiresOn,
		Organizations:        s.Organizations,
		CurrentState:         s.State,
		ActiveOrganization:   s.ActiveOrganization,
	}
}
