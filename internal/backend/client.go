package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/printwatch/internal/security"
)

const (
	defaultUnaryTimeout = 10 * time.Second

	AccessTokenCookie = "access_token_cookie"
	CSRFTokenCookie   = "csrf_access_token"
)

var DefaultSuccessCodes = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent}

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
	log          zerolog.Logger

	jarMu sync.RWMutex
	jar   http.CookieJar
}

type Request struct {
	Method       string
	Path         string
	Query        url.Values
	Body         any
	SuccessCodes []int
	// Raw keeps the body as bytes instead of validating it as JSON.
	Raw bool
	// NoAuth skips the bearer and CSRF headers.
	NoAuth bool
}

// Result is the outcome of a request whose status was in the success codes.
// The zero Result is the "empty" result: no data, do not update assumptions.
type Result struct {
	Status      int
	Data        json.RawMessage
	Raw         []byte
	ContentType string
}

func (r Result) Empty() bool {
	return r.Status == 0
}

func (r Result) OK() bool {
	return r.Status == http.StatusOK
}

func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("decode response: empty body (status %d)", r.Status)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func New(baseURL string, client *http.Client, log zerolog.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
		log:          log,
		jar:          jar,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	c.unaryTimeout = timeout
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) SetCookie(name, value string) {
	u, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return
	}
	c.jarMu.RLock()
	defer c.jarMu.RUnlock()
	c.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

func (c *Client) Cookie(name string) string {
	u, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return ""
	}
	c.jarMu.RLock()
	defer c.jarMu.RUnlock()
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) ClearCookies() {
	jar, _ := cookiejar.New(nil)
	c.jarMu.Lock()
	c.jar = jar
	c.jarMu.Unlock()
}

// Do performs exactly one request. It never retries.
func (c *Client) Do(ctx context.Context, r Request) (Result, error) {
	res, err := c.do(ctx, r)
	if err != nil && ctx.Err() == nil {
		c.log.Warn().Str("path", security.Redact(r.Path)).Str("method", r.Method).Err(err).Msg("request failed")
	}
	return res, err
}

func (c *Client) do(ctx context.Context, r Request) (Result, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	successCodes := r.SuccessCodes
	if len(successCodes) == 0 {
		successCodes = DefaultSuccessCodes
	}
	u := c.resolve(r.Path)
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	target, err := url.Parse(u)
	if err != nil {
		return Result{}, fmt.Errorf("parse request url: %w", err)
	}

	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if r.Body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(r.Body); err != nil {
			return Result{}, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), reqBody)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.jarMu.RLock()
	jar := c.jar
	c.jarMu.RUnlock()
	for _, ck := range jar.Cookies(target) {
		req.AddCookie(ck)
	}
	if !r.NoAuth {
		if token := c.Cookie(AccessTokenCookie); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if csrf := c.Cookie(CSRFTokenCookie); csrf != "" {
			req.Header.Set("X-CSRF-TOKEN", csrf)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, &FailedToFetchDataError{Path: r.Path, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	if cookies := resp.Cookies(); len(cookies) > 0 {
		jar.SetCookies(target, cookies)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &FailedToFetchDataError{Path: r.Path, Err: err}
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return Result{}, &MaintenanceError{Path: r.Path}
	}
	if !slices.Contains(successCodes, resp.StatusCode) {
		return Result{}, &HTTPError{Status: resp.StatusCode, Path: r.Path, Body: string(payload)}
	}

	res := Result{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	if r.Raw {
		res.Raw = payload
		return res, nil
	}
	if len(bytes.TrimSpace(payload)) > 0 {
		if !json.Valid(payload) {
			return Result{}, fmt.Errorf("decode %s response: %w", r.Path, errInvalidJSON)
		}
		res.Data = json.RawMessage(payload)
	}
	return res, nil
}

var errInvalidJSON = errors.New("invalid json body")

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
