package devices

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/clock"
	"github.com/g960059/printwatch/internal/model"
	"github.com/g960059/printwatch/internal/testutil"
)

type orgs map[string]bool

func (o orgs) HasOrganization(orgID string) bool { return o[orgID] }

func TestStoreDropsStateOnOrganizationSwitch(t *testing.T) {
	s := NewStore()
	s.SetActiveOrganization("o1")
	if !s.Upsert("o1", model.Printer{UUID: "p1", Name: "b"}) {
		t.Fatalf("expected upsert for active org")
	}
	s.Upsert("o1", model.Printer{UUID: "p2", Name: "a"})
	if s.Upsert("o2", model.Printer{UUID: "p3"}) {
		t.Fatalf("upsert for inactive org must be rejected")
	}
	s.RecordSnapshot(model.Snapshot{OrganizationID: "o1", DeviceID: "p1", Status: http.StatusOK})

	list := s.List()
	if len(list) != 2 || list[0].UUID != "p2" || list[1].OrganizationID != "o1" {
		t.Fatalf("unexpected list %+v", list)
	}

	s.SetActiveOrganization("o2")
	if len(s.List()) != 0 {
		t.Fatalf("expected printers dropped on switch")
	}
	if _, ok := s.Snapshot("p1"); ok {
		t.Fatalf("expected snapshots dropped on switch")
	}
	if s.RecordSnapshot(model.Snapshot{OrganizationID: "o1", DeviceID: "p1"}) {
		t.Fatalf("stale snapshot must be rejected")
	}
}

func newLoader(t *testing.T) (*Loader, *testutil.Backend) {
	t.Helper()
	be := testutil.NewBackend(t)
	store := NewStore()
	store.SetActiveOrganization("o1")
	return NewLoader(be.Client(), orgs{"o1": true}, nil, store, clock.NewFake(time.Time{})), be
}

func TestLoaderLoadsAndRecordsPrinters(t *testing.T) {
	loader, be := newLoader(t)
	be.SetPrinter("o1", model.Printer{UUID: "p1", Name: "Prusa", Status: &model.PrinterStatus{State: model.PrinterStatePrinting}})
	be.SetPrinter("o1", model.Printer{UUID: "p2", Name: "Ender"})
	ctx := context.Background()

	res, err := loader.LoadPrinters(ctx, "o1", []string{"status"})
	if err != nil || res.Status != http.StatusOK || len(res.Printers) != 2 {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	one, err := loader.LoadPrinter(ctx, "o1", "p1", nil)
	if err != nil || one.Printer.State() != model.PrinterStatePrinting {
		t.Fatalf("unexpected printer %+v %v", one, err)
	}
	stored, ok := loader.Store().Get("p1")
	if !ok || stored.OrganizationID != "o1" {
		t.Fatalf("expected stored printer, got %+v", stored)
	}

	missing, err := loader.LoadPrinter(ctx, "o1", "nope", nil)
	if err != nil || missing.Status != http.StatusNotFound {
		t.Fatalf("expected 404 result, got %+v %v", missing, err)
	}
}

func TestLoaderDeniesForeignOrganization(t *testing.T) {
	loader, be := newLoader(t)
	if _, err := loader.LoadPrinter(context.Background(), "o9", "p1", nil); !errors.Is(err, ErrNoOrganizationAccess) {
		t.Fatalf("expected ErrNoOrganizationAccess, got %v", err)
	}
	if be.Hits("printer") != 0 {
		t.Fatalf("denied request reached the backend")
	}
}

func TestFetchSnapshot(t *testing.T) {
	loader, be := newLoader(t)
	loader.Store().Upsert("o1", model.Printer{UUID: "p1", Webcam: &model.Webcam{URL: be.SnapshotURL("p1")}})
	be.QueueSnapshots("p1",
		testutil.SnapshotReply{Status: http.StatusOK, Body: []byte("img")},
		testutil.SnapshotReply{Status: http.StatusNotFound},
	)
	ctx := context.Background()

	snap, err := loader.FetchSnapshot(ctx, "o1", "p1")
	if err != nil || snap.Status != http.StatusOK || snap.Data != "aW1n" {
		t.Fatalf("unexpected snapshot %+v %v", snap, err)
	}
	var unavailable *backend.StreamUnavailableError
	if _, err := loader.FetchSnapshot(ctx, "o1", "p1"); !errors.As(err, &unavailable) {
		t.Fatalf("expected stream unavailable, got %v", err)
	}

	loader.Store().SetActiveOrganization("o2")
	if _, err := loader.FetchSnapshot(ctx, "o1", "p1"); !errors.Is(err, ErrOrganizationMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}
