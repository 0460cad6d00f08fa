// Package printwatch keeps a dashboard's view of remote 3D printers and their
// webcams current by polling, and keeps the login session consistent across
// token expiry and organization switches.
package printwatch

import (
	"context"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/config"
	"github.com/g960059/printwatch/internal/dashboard"
	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/model"
	"github.com/g960059/printwatch/internal/webcam"
)

type (
	Client       = dashboard.Client
	Option       = dashboard.Option
	Config       = config.Config
	Session      = model.Session
	Lifecycle    = model.Lifecycle
	Organization = model.Organization
	Printer      = model.Printer
	Snapshot     = model.Snapshot
	APIToken     = model.APIToken
	User         = model.User
	WebcamSource = webcam.Source
	Result       = backend.Result

	MaintenanceError       = backend.MaintenanceError
	HTTPError              = backend.HTTPError
	FailedToFetchDataError = backend.FailedToFetchDataError
	StreamUnavailableError = backend.StreamUnavailableError
)

var (
	WithErrorHandler = dashboard.WithErrorHandler
	WithLogger       = dashboard.WithLogger
	WithClock        = dashboard.WithClock
	WithHTTPClient   = dashboard.WithHTTPClient
	WithRand         = dashboard.WithRand

	ErrSessionEnded         = dashboard.ErrSessionEnded
	ErrNoOrganizationAccess = devices.ErrNoOrganizationAccess
	ErrOrganizationMismatch = devices.ErrOrganizationMismatch
	ErrNoWebcam             = devices.ErrNoWebcam
)

func DefaultConfig() Config {
	return config.DefaultConfig()
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

func Open(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	return dashboard.Open(ctx, cfg, opts...)
}
