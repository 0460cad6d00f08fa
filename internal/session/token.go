package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/g960059/printwatch/internal/backend"
	"github.com/g960059/printwatch/internal/model"
)

type tokenClaims struct {
	Identity   string `json:"identity"`
	Fresh      bool   `json:"fresh"`
	CSRF       string `json:"csrf"`
	UserClaims struct {
		Username         string `json:"username"`
		Email            string `json:"email"`
		OrganizationUUID string `json:"organization_uuid"`
	} `json:"user_claims"`
	jwt.RegisteredClaims
}

// LoadFromToken starts a session from a bare access token handed over out of
// band. The token is decoded but not verified; the backend verifies it on use.
func (s *Store) LoadFromToken(ctx context.Context, token string) (model.Session, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return s.Current(), fmt.Errorf("parse access token: %w", err)
	}
	if claims.Identity == "" {
		return s.Current(), fmt.Errorf("parse access token: missing identity")
	}
	s.api.SetCookie(backend.AccessTokenCookie, token)
	if claims.CSRF != "" {
		s.api.SetCookie(backend.CSRFTokenCookie, claims.CSRF)
	}

	data := model.UserData{
		Identity:   claims.Identity,
		Username:   claims.UserClaims.Username,
		Email:      claims.UserClaims.Email,
		SystemRole: "user",
		Fresh:      claims.Fresh,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		data.ExpiresOn = &exp
	}
	if org := claims.UserClaims.OrganizationUUID; org != "" {
		data.Organizations = []model.Organization{{UUID: org}}
	}
	snapshot := s.applyUserData(data, false)
	if err := s.persist(ctx, snapshot); err != nil {
		return snapshot, err
	}
	s.notify(snapshot)
	return snapshot, nil
}

// expiresWithin reports whether exp falls within lead of now.
func expiresWithin(exp time.Time, now time.Time, lead time.Duration) bool {
	return !exp.IsZero() && !now.Before(exp.Add(-lead))
}
