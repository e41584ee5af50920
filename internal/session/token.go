package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	"github.com/example/rider-agent/internal/logging"
)

// Refresher exchanges a (possibly expired) token for a fresh one.
type Refresher interface {
	RefreshToken(ctx context.Context, token string) (string, error)
}

// TokenSource hands out a usable bearer token, refreshing it through the
// backend when the stored one is about to expire.
type TokenSource struct {
	store     Store
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	log       *slog.Logger
	group     singleflight.Group
}

func NewTokenSource(store Store, refresher Refresher, log *slog.Logger) *TokenSource {
	return &TokenSource{store: store, refresher: refresher, skew: 30 * time.Second, now: time.Now, log: logging.Component(log, "session")}
}

// Expired reports whether tok's exp claim falls before at. Tokens are parsed
// without verification; the backend owns the signing key. A token without
// exp never expires.
func Expired(tok string, at time.Time) (bool, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tok, claims); err != nil {
		return true, fmt.Errorf("parse token: %w", err)
	}
	return !claims.VerifyExpiresAt(at.Unix(), false), nil
}

func (t *TokenSource) Token(ctx context.Context) (string, error) {
	s, err := t.store.Load(ctx)
	if err != nil {
		return "", err
	}
	expired, err := Expired(s.Token, t.now().Add(t.skew))
	if err != nil {
		t.log.Warn("token_unparseable", "err", err)
	}
	if !expired {
		return s.Token, nil
	}
	if t.refresher == nil {
		return "", errors.New("session: token expired and no refresher configured")
	}
	v, err, _ := t.group.Do("refresh", func() (interface{}, error) {
		fresh, err := t.refresher.RefreshToken(ctx, s.Token)
		if err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		s.Token = fresh
		if err := t.store.Save(ctx, s); err != nil {
			return "", err
		}
		t.log.Info("token_refreshed", "rider_id", s.Profile.RiderID)
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Login stores a new session.
func (t *TokenSource) Login(ctx context.Context, s Session) error {
	return t.store.Save(ctx, s)
}

// Logout drops the stored session.
func (t *TokenSource) Logout(ctx context.Context) error {
	return t.store.Clear(ctx)
}

// Profile returns the cached rider profile.
func (t *TokenSource) Profile(ctx context.Context) (Profile, error) {
	s, err := t.store.Load(ctx)
	if err != nil {
		return Profile{}, err
	}
	return s.Profile, nil
}
