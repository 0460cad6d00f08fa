package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/model"
)

// SnapshotReply scripts the response of a webcam snapshot URL. Drop closes
// the connection without a response.
type SnapshotReply struct {
	Status int
	Body   []byte
	Drop   bool
}

// Backend is an in-memory fake of the dashboard REST API.
type Backend struct {
	Server *httptest.Server
	Router *mux.Router

	mu            sync.Mutex
	user          model.UserData
	refreshStatus int
	expired       bool
	printers      map[string]map[string]model.Printer
	printerStatus map[string]int
	snapshots     map[string][]SnapshotReply
	tokens        map[string]model.APIToken
	orgs          []model.Organization
	users         map[string][]model.User
	hits          map[string]int
}

func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		Router:        mux.NewRouter(),
		refreshStatus: http.StatusOK,
		printers:      map[string]map[string]model.Printer{},
		printerStatus: map[string]int{},
		snapshots:     map[string][]SnapshotReply{},
		tokens:        map[string]model.APIToken{},
		users:         map[string][]model.User{},
		hits:          map[string]int{},
	}
	b.routes()
	b.Server = httptest.NewServer(b.Router)
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) URL() string {
	return b.Server.URL
}

// Client returns a backend client pointed at the fake. Keep-alives are off
// so a dropped connection is never retried transparently by the transport.
func (b *Backend) Client() *backend.Client {
	return backend.New(b.URL(), &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}, zerolog.Nop())
}

func (b *Backend) SetUser(u model.UserData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.user = u
	b.orgs = append([]model.Organization(nil), u.Organizations...)
}

func (b *Backend) SetRefreshStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshStatus = status
}

// ExpireSession makes every session-scoped route answer 401 until a token
// route succeeds again.
func (b *Backend) ExpireSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expired = true
}

func (b *Backend) SetPrinter(orgID string, p model.Printer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.printers[orgID] == nil {
		b.printers[orgID] = map[string]model.Printer{}
	}
	b.printers[orgID][p.UUID] = p
}

// SetPrinterState changes the reported operational state of a printer.
func (b *Backend) SetPrinterState(orgID, printerID, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.printers[orgID][printerID]
	p.Status = &model.PrinterStatus{State: state}
	b.printers[orgID][printerID] = p
}

// FailPrinter makes the printer detail endpoint answer with status.
// Status 0 restores normal replies.
func (b *Backend) FailPrinter(printerID string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.printerStatus, printerID)
		return
	}
	b.printerStatus[printerID] = status
}

// SnapshotURL is the webcam URL a fake printer should carry.
func (b *Backend) SnapshotURL(printerID string) string {
	return b.URL() + "/snapshots/" + printerID
}

// QueueSnapshots scripts the next replies for a snapshot URL. The last reply
// repeats once the queue is drained.
func (b *Backend) QueueSnapshots(printerID string, replies ...SnapshotReply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[printerID] = append(b.snapshots[printerID], replies...)
}

func (b *Backend) SetUsers(orgID string, users []model.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[orgID] = users
}

// Hits reports how many requests reached the named route.
func (b *Backend) Hits(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

func (b *Backend) routes() {
	r := b.Router
	r.HandleFunc("/tokens", b.count("authenticate", b.handleAuthenticate)).Methods(http.MethodPost)
	r.HandleFunc("/tokens/fresh", b.count("authenticate-fresh", b.handleAuthenticate)).Methods(http.MethodPost)
	r.HandleFunc("/tokens/refresh", b.count("refresh", b.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/tokens", b.count("logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodDelete)
	r.HandleFunc("/users/me", b.count("change-password", b.handleAuthenticate)).Methods(http.MethodPatch)
	r.HandleFunc("/organizations/{org}/printers", b.count("printers", b.handlePrinters)).Methods(http.MethodGet)
	r.HandleFunc("/organizations/{org}/printers/{id}", b.count("printer", b.handlePrinter)).Methods(http.MethodGet)
	r.HandleFunc("/snapshots/{id}", b.count("snapshot", b.handleSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/users/me/tokens", b.count("tokens", b.handleListTokens)).Methods(http.MethodGet)
	r.HandleFunc("/users/me/tokens", b.count("add-token", b.handleAddToken)).Methods(http.MethodPost)
	r.HandleFunc("/users/me/tokens/{jti}", b.count("delete-token", b.handleDeleteToken)).Methods(http.MethodDelete)
	r.HandleFunc("/users/me/organizations", b.count("organizations", b.handleOrganizations)).Methods(http.MethodGet)
	r.HandleFunc("/organizations", b.count("add-organization", b.handleAddOrganization)).Methods(http.MethodPost)
	r.HandleFunc("/organizations/{org}", b.count("patch-organization", b.handlePatchOrganization)).Methods(http.MethodPatch)
	r.HandleFunc("/organizations/{org}/users", b.count("users", b.handleUsers)).Methods(http.MethodGet)
}

func (b *Backend) count(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hits[route]++
		expired := b.expired && !tokenRoutes[route]
		b.mu.Unlock()
		if expired {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
			return
		}
		h(w, r)
	}
}

var tokenRoutes = map[string]bool{
	"authenticate":       true,
	"authenticate-fresh": true,
	"refresh":            true,
	"logout":             true,
	"snapshot":           true,
}

func (b *Backend) handleAuthenticate(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	user := b.user
	if user.Identity != "" {
		b.expired = false
	}
	b.mu.Unlock()
	if user.Identity == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: backend.AccessTokenCookie, Value: "access-" + user.Identity, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: backend.CSRFTokenCookie, Value: "csrf-" + user.Identity, Path: "/"})
	writeJSON(w, http.StatusOK, user)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status := b.refreshStatus
	b.mu.Unlock()
	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"message": "refresh rejected"})
		return
	}
	b.handleAuthenticate(w, r)
}

func (b *Backend) handlePrinters(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	b.mu.Lock()
	items := make([]model.Printer, 0, len(b.printers[org]))
	for _, p := range b.printers[org] {
		items = append(items, p)
	}
	b.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].UUID < items[j].UUID })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (b *Backend) handlePrinter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b.mu.Lock()
	status, failing := b.printerStatus[vars["id"]]
	p, ok := b.printers[vars["org"]][vars["id"]]
	b.mu.Unlock()
	switch {
	case failing:
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func (b *Backend) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b.mu.Lock()
	queue := b.snapshots[id]
	reply := SnapshotReply{Status: http.StatusNotFound}
	if len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			b.snapshots[id] = queue[1:]
		}
	}
	b.mu.Unlock()
	if reply.Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(reply.Status)
	_, _ = w.Write(reply.Body)
}

func (b *Backend) handleListTokens(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("organization_uuid")
	b.mu.Lock()
	items := []model.APIToken{}
	for _, tok := range b.tokens {
		if org == "" || tok.Organization == org {
			items = append(items, tok)
		}
	}
	b.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].JTI < items[j].JTI })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (b *Backend) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name             string `json:"name"`
		OrganizationUUID string `json:"organization_uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "missing name"})
		return
	}
	b.mu.Lock()
	tok := model.APIToken{
		JTI:          "jti-" + body.Name,
		Name:         body.Name,
		Created:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Organization: body.OrganizationUUID,
		AccessToken:  "token-" + body.Name,
	}
	b.tokens[tok.JTI] = tok
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, tok)
}

func (b *Backend) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	jti := mux.Vars(r)["jti"]
	b.mu.Lock()
	_, ok := b.tokens[jti]
	delete(b.tokens, jti)
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleOrganizations(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	items := append([]model.Organization(nil), b.orgs...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (b *Backend) handleAddOrganization(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "missing name"})
		return
	}
	b.mu.Lock()
	for _, org := range b.orgs {
		if org.Name == body.Name {
			b.mu.Unlock()
			writeJSON(w, http.StatusConflict, map[string]string{"message": "exists"})
			return
		}
	}
	org := model.Organization{UUID: "org-" + body.Name, Name: body.Name, Role: "admin"}
	b.orgs = append(b.orgs, org)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, org)
}

func (b *Backend) handlePatchOrganization(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["org"]
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "missing name"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.orgs {
		if b.orgs[i].UUID == id {
			b.orgs[i].Name = body.Name
			writeJSON(w, http.StatusOK, b.orgs[i])
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
}

func (b *Backend) handleUsers(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	b.mu.Lock()
	items := append([]model.User(nil), b.users[org]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
