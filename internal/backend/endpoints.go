package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Session-scoped calls accept 401 so the authorization retry wrapper can see it.
var (
	authCodes    = []int{http.StatusOK, http.StatusUnauthorized}
	refreshCodes = []int{http.StatusOK, http.StatusUnauthorized, http.StatusUnprocessableEntity}
	readCodes    = []int{http.StatusOK, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}
	createCodes  = []int{http.StatusCreated, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict}
	patchCodes   = []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}
	deleteCodes  = []int{http.StatusNoContent, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}
	passwdCodes  = []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized}
)

func (c *Client) Authenticate(ctx context.Context, username, password string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/tokens",
		Body:         map[string]string{"username": username, "password": password},
		SuccessCodes: authCodes,
		NoAuth:       true,
	})
}

func (c *Client) AuthenticateFresh(ctx context.Context, username, password string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/tokens/fresh",
		Body:         map[string]string{"username": username, "password": password},
		SuccessCodes: authCodes,
		NoAuth:       true,
	})
}

// RefreshAccessToken relies on the refresh cookie only.
func (c *Client) RefreshAccessToken(ctx context.Context) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/tokens/refresh",
		SuccessCodes: refreshCodes,
		NoAuth:       true,
	})
}

func (c *Client) ChangePassword(ctx context.Context, username, password, newPassword, confirmation string) (Result, error) {
	return c.Do(ctx, Request{
		Method: http.MethodPatch,
		Path:   "/users/me",
		Body: map[string]string{
			"username":                  username,
			"password":                  password,
			"new_password":              newPassword,
			"new_password_confirmation": confirmation,
		},
		SuccessCodes: passwdCodes,
	})
}

func (c *Client) Logout(ctx context.Context) (Result, error) {
	res, err := c.Do(ctx, Request{
		Method:       http.MethodDelete,
		Path:         "/tokens",
		SuccessCodes: []int{http.StatusOK, http.StatusNoContent, http.StatusUnauthorized},
	})
	c.ClearCookies()
	return res, err
}

func (c *Client) GetPrinters(ctx context.Context, orgID string, fields []string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/organizations/" + url.PathEscape(orgID) + "/printers",
		Query:        fieldsQuery(fields),
		SuccessCodes: readCodes,
	})
}

func (c *Client) GetPrinter(ctx context.Context, orgID, printerID string, fields []string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/organizations/" + url.PathEscape(orgID) + "/printers/" + url.PathEscape(printerID),
		Query:        fieldsQuery(fields),
		SuccessCodes: readCodes,
	})
}

// GetWebcamSnapshot fetches one image from snapshotURL. A 404 means the
// backend has no stream configured and maps to StreamUnavailableError. On
// success Data holds {"prefix": ..., "data": <base64>}.
func (c *Client) GetWebcamSnapshot(ctx context.Context, snapshotURL string) (Result, error) {
	res, err := c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         snapshotURL,
		SuccessCodes: []int{http.StatusOK, http.StatusAccepted, http.StatusUnauthorized},
		Raw:          true,
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return Result{}, &StreamUnavailableError{Path: snapshotURL}
		}
		return Result{}, err
	}
	if res.Status != http.StatusOK {
		return Result{Status: res.Status}, nil
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	body := fmt.Sprintf(`{"prefix":%q,"data":%q}`, "data:"+contentType+";base64", base64.StdEncoding.EncodeToString(res.Raw))
	res.Data = []byte(body)
	return res, nil
}

// Probe issues an unauthenticated GET against an absolute stream URL.
func (c *Client) Probe(ctx context.Context, streamURL string) (int, error) {
	res, err := c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         streamURL,
		SuccessCodes: []int{http.StatusOK},
		Raw:          true,
		NoAuth:       true,
	})
	if err != nil {
		if status, ok := StatusOf(err); ok {
			return status, nil
		}
		return 0, err
	}
	return res.Status, nil
}

func (c *Client) ListAPITokens(ctx context.Context, orgID string) (Result, error) {
	q := url.Values{}
	q.Set("organization_uuid", orgID)
	return c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/users/me/tokens",
		Query:        q,
		SuccessCodes: readCodes,
	})
}

func (c *Client) AddAPIToken(ctx context.Context, orgID, name string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/users/me/tokens",
		Body:         map[string]string{"name": name, "organization_uuid": orgID},
		SuccessCodes: createCodes,
	})
}

func (c *Client) DeleteAPIToken(ctx context.Context, jti string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodDelete,
		Path:         "/users/me/tokens/" + url.PathEscape(jti),
		SuccessCodes: deleteCodes,
	})
}

func (c *Client) ListOrganizations(ctx context.Context) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/users/me/organizations",
		SuccessCodes: readCodes,
	})
}

func (c *Client) AddOrganization(ctx context.Context, name string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/organizations",
		Body:         map[string]string{"name": name},
		SuccessCodes: createCodes,
	})
}

func (c *Client) PatchOrganization(ctx context.Context, orgID, name string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodPatch,
		Path:         "/organizations/" + url.PathEscape(orgID),
		Body:         map[string]string{"name": name},
		SuccessCodes: patchCodes,
	})
}

func (c *Client) ListUsers(ctx context.Context, orgID string) (Result, error) {
	return c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/organizations/" + url.PathEscape(orgID) + "/users",
		SuccessCodes: readCodes,
	})
}

func fieldsQuery(fields []string) url.Values {
	if len(fields) == 0 {
		return nil
	}
	q := url.Values{}
	q.Set("fields", strings.Join(fields, ","))
	return q
}
