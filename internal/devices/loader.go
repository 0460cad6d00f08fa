package devices

import (
	"context"
	"errors"
	"net/http"

	"github.com/g960059/printwatch/internal/authretry"
	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/clock"
	"github.com/g960059/printwatch/internal/model"
)

// ErrNoWebcam means the printer has no known webcam URL.
var ErrNoWebcam = errors.New("printer has no webcam")

type API interface {
	GetPrinters(ctx context.Context, orgID string, fields []string) (backend.Result, error)
	GetPrinter(ctx context.Context, orgID, printerID string, fields []string) (backend.Result, error)
	GetWebcamSnapshot(ctx context.Context, snapshotURL string) (backend.Result, error)
}

// Access answers whether the session belongs to an organization.
type Access interface {
	HasOrganization(orgID string) bool
}

// PrinterResult carries the response status; Status 0 is the empty result
// left by a failed token refresh.
type PrinterResult struct {
	Status  int
	Printer model.Printer
}

type PrintersResult struct {
	Status   int
	Printers []model.Printer
}

// Loader fetches printers and snapshots through the authorization retry
// wrapper and records successful results in the Store.
type Loader struct {
	api       API
	access    Access
	refresher authretry.Refresher
	store     *Store
	clock     clock.Clock
}

func NewLoader(api API, access Access, refresher authretry.Refresher, store *Store, clk clock.Clock) *Loader {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Loader{api: api, access: access, refresher: refresher, store: store, clock: clk}
}

func (l *Loader) Store() *Store {
	return l.store
}

func (l *Loader) LoadPrinter(ctx context.Context, orgID, printerID string, fields []string) (PrinterResult, error) {
	if !l.access.HasOrganization(orgID) {
		return PrinterResult{}, ErrNoOrganizationAccess
	}
	res, err := authretry.Wrap(func(ctx context.Context) (backend.Result, error) {
		return l.api.GetPrinter(ctx, orgID, printerID, fields)
	}, l.refresher)(ctx)
	if err != nil {
		return PrinterResult{}, err
	}
	out := PrinterResult{Status: res.Status}
	if res.Status != http.StatusOK {
		return out, nil
	}
	if err := res.Decode(&out.Printer); err != nil {
		return PrinterResult{}, err
	}
	out.Printer.OrganizationID = orgID
	l.store.Upsert(orgID, out.Printer)
	return out, nil
}

func (l *Loader) LoadPrinters(ctx context.Context, orgID string, fields []string) (PrintersResult, error) {
	if !l.access.HasOrganization(orgID) {
		return PrintersResult{}, ErrNoOrganizationAccess
	}
	res, err := authretry.Wrap(func(ctx context.Context) (backend.Result, error) {
		return l.api.GetPrinters(ctx, orgID, fields)
	}, l.refresher)(ctx)
	if err != nil {
		return PrintersResult{}, err
	}
	out := PrintersResult{Status: res.Status}
	if res.Status != http.StatusOK {
		return out, nil
	}
	var body struct {
		Items []model.Printer `json:"items"`
	}
	if err := res.Decode(&body); err != nil {
		return PrintersResult{}, err
	}
	for i := range body.Items {
		body.Items[i].OrganizationID = orgID
	}
	out.Printers = body.Items
	l.store.ReplaceAll(orgID, body.Items)
	return out, nil
}

// FetchSnapshot downloads the current webcam image of a printer. It fails
// with ErrOrganizationMismatch when orgID is no longer the active
// organization and with ErrNoWebcam when the printer has no webcam URL;
// neither touches any state.
func (l *Loader) FetchSnapshot(ctx context.Context, orgID, printerID string) (model.Snapshot, error) {
	if !l.access.HasOrganization(orgID) {
		return model.Snapshot{}, ErrNoOrganizationAccess
	}
	if l.store.ActiveOrganization() != orgID {
		return model.Snapshot{}, ErrOrganizationMismatch
	}
	p, ok := l.store.Get(printerID)
	if !ok || p.WebcamURL() == "" {
		return model.Snapshot{}, ErrNoWebcam
	}
	res, err := authretry.Wrap(func(ctx context.Context) (backend.Result, error) {
		return l.api.GetWebcamSnapshot(ctx, p.WebcamURL())
	}, l.refresher)(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{
		OrganizationID: orgID,
		DeviceID:       printerID,
		Status:         res.Status,
		FetchedAt:      l.clock.Now(),
	}
	if res.Status != http.StatusOK {
		return snap, nil
	}
	var body struct {
		Prefix string `json:"prefix"`
		Data   string `json:"data"`
	}
	if err := res.Decode(&body); err != nil {
		return model.Snapshot{}, err
	}
	snap.Prefix = body.Prefix
	snap.Data = body.Data
	return snap, nil
}
