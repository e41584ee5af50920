package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"_id": "r1", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	next  string
	err   error
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.next, f.err
}

func TestTokenReturnedWhileValid(t *testing.T) {
	store := NewMemoryStore()
	tok := signed(t, time.Now().Add(time.Hour))
	_ = store.Save(context.Background(), Session{Token: tok})
	r := &fakeRefresher{}
	ts := NewTokenSource(store, r, nil)
	got, err := ts.Token(context.Background())
	if err != nil || got != tok {
		t.Fatalf("expected stored token, got %q %v", got, err)
	}
	if r.calls != 0 {
		t.Fatalf("expected no refresh, got %d", r.calls)
	}
}

func TestExpiredTokenIsRefreshedAndSaved(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Session{Token: signed(t, time.Now().Add(-time.Minute)), Profile: Profile{RiderID: "r1"}})
	fresh := signed(t, time.Now().Add(time.Hour))
	r := &fakeRefresher{next: fresh}
	ts := NewTokenSource(store, r, nil)
	got, err := ts.Token(context.Background())
	if err != nil || got != fresh {
		t.Fatalf("expected refreshed token, got %q %v", got, err)
	}
	s, _ := store.Load(context.Background())
	if s.Token != fresh || s.Profile.RiderID != "r1" {
		t.Fatalf("refreshed session not persisted: %+v", s)
	}
}

func TestRefreshFailureSurfaces(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Session{Token: signed(t, time.Now().Add(-time.Minute))})
	ts := NewTokenSource(store, &fakeRefresher{err: errors.New("boom")}, nil)
	if _, err := ts.Token(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNoSession(t *testing.T) {
	ts := NewTokenSource(NewMemoryStore(), nil, nil)
	if _, err := ts.Token(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestTokenWithoutExpNeverExpires(t *testing.T) {
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"_id": "r1"}).SignedString([]byte("k"))
	expired, err := Expired(tok, time.Now().Add(24*time.Hour))
	if err != nil || expired {
		t.Fatalf("expected non-expiring token, got %v %v", expired, err)
	}
}

type fakeHash struct {
	data map[string]map[string]string
}

func (f *fakeHash) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	if f.data == nil {
		f.data = map[string]map[string]string{}
	}
	m := map[string]string{}
	for k, v := range values {
		m[k] = v.(string)
	}
	f.data[key] = m
	return nil
}

func (f *fakeHash) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.data[key], nil
}

func (f *fakeHash) Del(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func TestRedisStoreRoundTripAndClear(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(&fakeHash{}, "rider:session")
	if _, err := s.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	want := Session{Token: "t1", Profile: Profile{RiderID: "r1", Name: "Asha"}}
	if err := s.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil || got != want {
		t.Fatalf("got %+v %v", got, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected cleared session, got %v", err)
	}
}
