package model

import "time"

// Lifecycle is the authentication state of the single session.
type Lifecycle string

const (
	LifecycleLoggedOut          Lifecycle = "logged-out"
	LifecycleFreshTokenRequired Lifecycle = "fresh-token-required"
	LifecycleLoggedIn           Lifecycle = "logged-in"
	LifecyclePwdChangeRequired  Lifecycle = "pwd-change-required"
)

func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleLoggedOut, LifecycleFreshTokenRequired, LifecycleLoggedIn, LifecyclePwdChangeRequired:
		return true
	}
	return false
}

type Organization struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	Slug string `json:"slug,omitempty"`
}

type Session struct {
	State                Lifecycle
	Identity             string
	Username             string
	Email                string
	SystemRole           string
	HasFreshToken        bool
	AccessTokenExpiresOn *time.Time
	Organizations        []Organization
	ActiveOrganization   *Organization
}

// LoggedOutSession is the terminal reset value.
func LoggedOutSession() Session {
	return Session{State: LifecycleLoggedOut}
}

func (s Session) LoggedOut() bool {
	return s.State == "" || s.State == LifecycleLoggedOut
}

func (s Session) Clone() Session {
	out := s
	if s.AccessTokenExpiresOn != nil {
		v := *s.AccessTokenExpiresOn
		out.AccessTokenExpiresOn = &v
	}
	if s.Organizations != nil {
		out.Organizations = append([]Organization(nil), s.Organizations...)
	}
	if s.ActiveOrganization != nil {
		v := *s.ActiveOrganization
		out.ActiveOrganization = &v
	}
	return out
}

// Profile is the persisted form of a Session.
type Profile struct {
	Identity             string         `json:"identity"`
	Username             string         `json:"username"`
	Email                string         `json:"email,omitempty"`
	SystemRole           string         `json:"systemRole"`
	HasFreshToken        bool           `json:"hasFreshToken"`
	AccessTokenExpiresOn *time.Time     `json:"accessTokenExpiresOn,omitempty"`
	Organizations        []Organization `json:"organizations"`
	CurrentState         Lifecycle      `json:"currentState,omitempty"`
	ActiveOrganization   *Organization  `json:"activeOrganization,omitempty"`
}

// UserData is the body of authenticate / refresh / change-password responses.
type UserData struct {
	Identity       string         `json:"identity"`
	Username       string         `json:"username"`
	Email          string         `json:"email,omitempty"`
	SystemRole     string         `json:"system_role"`
	Fresh          bool           `json:"fresh"`
	ExpiresOn      *time.Time     `json:"expires_on,omitempty"`
	ForcePwdChange bool           `json:"force_pwd_change"`
	Organizations  []Organization `json:"organizations"`
}

const (
	PrinterStatePrinting    = "Printing"
	PrinterStatePaused      = "Paused"
	PrinterStateOperational = "Operational"
	PrinterStateOffline     = "Offline"
)

type PrinterStatus struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

type Webcam struct {
	URL     string `json:"url,omitempty"`
	Stream  string `json:"stream,omitempty"`
	Proxied string `json:"proxied,omitempty"`

	FlipHorizontal bool `json:"flipHorizontal,omitempty"`
	FlipVertical   bool `json:"flipVertical,omitempty"`
	Rotate90       bool `json:"rotate90,omitempty"`
}

type Job struct {
	Name       string  `json:"name,omitempty"`
	Completion float64 `json:"completion,omitempty"`
	PrintTime  int64   `json:"printTime,omitempty"`
	TimeLeft   int64   `json:"printTimeLeft,omitempty"`
}

type Printer struct {
	UUID           string         `json:"uuid"`
	Name           string         `json:"name"`
	Hostname       string         `json:"hostname,omitempty"`
	IP             string         `json:"ip,omitempty"`
	Port           int            `json:"port,omitempty"`
	ClientName     string         `json:"client_name,omitempty"`
	Status         *PrinterStatus `json:"status,omitempty"`
	Webcam         *Webcam        `json:"webcam,omitempty"`
	Job            *Job           `json:"job,omitempty"`
	Lights         string         `json:"lights,omitempty"`
	OrganizationID string         `json:"-"`
}

// State returns the operational state, or "" when unknown.
func (p Printer) State() string {
	if p.Status == nil {
		return ""
	}
	return p.Status.State
}

func (p Printer) WebcamURL() string {
	if p.Webcam == nil {
		return ""
	}
	return p.Webcam.URL
}

// PollStopped is the interval sentinel of a stopped poll entry.
const PollStopped time.Duration = -1

type PollEntry struct {
	DeviceID       string
	OrganizationID string
	Interval       time.Duration
	LastKnownState string
	Token          uint64
}

func (e PollEntry) Live() bool {
	return e.Interval > 0
}

type WebcamQueueEntry struct {
	DeviceID       string
	OrganizationID string
	Interval       time.Duration
	TimerID        string
}

// Snapshot is the recorded outcome of the latest webcam fetch for a device.
// Status 404 means no stream is configured, 502 means a retry is pending.
type Snapshot struct {
	OrganizationID string
	DeviceID       string
	Status         int
	Prefix         string
	Data           string
	FetchedAt      time.Time
}

type APIToken struct {
	JTI          string    `json:"jti"`
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	Organization string    `json:"organization,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
}

type User struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}
