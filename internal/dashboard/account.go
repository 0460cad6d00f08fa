package dashboard

import (
	"context"
	"errors"
	"net/http"

	"github.com/g960059/printwatch/internal/authretry"
	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/model"
)

// ErrSessionEnded is returned when a call hit an expired session whose
// refresh failed. The session has been cleared.
var ErrSessionEnded = errors.New("session ended")

type listBody[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) ListAPITokens(ctx context.Context, orgID string) ([]model.APIToken, error) {
	if err := c.requireOrganization(orgID); err != nil {
		return nil, err
	}
	var body listBody[model.APIToken]
	err := c.call(ctx, "list api tokens", http.StatusOK, &body, func(ctx context.Context) (backend.Result, error) {
		return c.api.ListAPITokens(ctx, orgID)
	})
	return body.Items, err
}

func (c *Client) AddAPIToken(ctx context.Context, orgID, name string) (model.APIToken, error) {
	if err := c.requireOrganization(orgID); err != nil {
		return model.APIToken{}, err
	}
	var tok model.APIToken
	err := c.call(ctx, "add api token", http.StatusCreated, &tok, func(ctx context.Context) (backend.Result, error) {
		return c.api.AddAPIToken(ctx, orgID, name)
	})
	return tok, err
}

func (c *Client) DeleteAPIToken(ctx context.Context, jti string) error {
	return c.call(ctx, "delete api token", http.StatusNoContent, nil, func(ctx context.Context) (backend.Result, error) {
		return c.api.DeleteAPIToken(ctx, jti)
	})
}

func (c *Client) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	var body listBody[model.Organization]
	err := c.call(ctx, "list organizations", http.StatusOK, &body, c.api.ListOrganizations)
	return body.Items, err
}

func (c *Client) AddOrganization(ctx context.Context, name string) (model.Organization, error) {
	var org model.Organization
	err := c.call(ctx, "add organization", http.StatusCreated, &org, func(ctx context.Context) (backend.Result, error) {
		return c.api.AddOrganization(ctx, name)
	})
	return org, err
}

func (c *Client) RenameOrganization(ctx context.Context, orgID, name string) (model.Organization, error) {
	if err := c.requireOrganization(orgID); err != nil {
		return model.Organization{}, err
	}
	var org model.Organization
	err := c.call(ctx, "rename organization", http.StatusOK, &org, func(ctx context.Context) (backend.Result, error) {
		return c.api.PatchOrganization(ctx, orgID, name)
	})
	return org, err
}

func (c *Client) ListUsers(ctx context.Context, orgID string) ([]model.User, error) {
	if err := c.requireOrganization(orgID); err != nil {
		return nil, err
	}
	var body listBody[model.User]
	err := c.call(ctx, "list users", http.StatusOK, &body, func(ctx context.Context) (backend.Result, error) {
		return c.api.ListUsers(ctx, orgID)
	})
	return body.Items, err
}

func (c *Client) ChangePassword(ctx context.Context, password, newPassword, confirmation string) (backend.Result, error) {
	return c.session.ChangePassword(ctx, c.session.Current().Username, password, newPassword, confirmation)
}

func (c *Client) requireOrganization(orgID string) error {
	if !c.session.HasOrganization(orgID) {
		return devices.ErrNoOrganizationAccess
	}
	return nil
}

// call runs fn through the authorization retry wrapper and decodes the body
// into out when the status is want. Any other status is an *HTTPError.
func (c *Client) call(ctx context.Context, op string, want int, out any, fn authretry.RequestFunc) error {
	res, err := authretry.Wrap(fn, c.session)(ctx)
	if err != nil {
		return err
	}
	if res.Empty() {
		return ErrSessionEnded
	}
	if res.Status != want {
		return &backend.HTTPError{Status: res.Status, Path: op, Body: string(res.Data)}
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}
