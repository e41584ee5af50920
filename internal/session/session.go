// Package session holds the rider's logged-in state: the opaque session
// token and the cached rider profile. It is passed explicitly to the
// components that need it instead of being read from ambient storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNoSession = errors.New("session: not logged in")

// Profile is the cached rider profile blob.
type Profile struct {
	RiderID     string `json:"_id"`
	Name        string `json:"riderName"`
	Phone       string `json:"mobileNo,omitempty"`
	City        string `json:"city,omitempty"`
	VehicleType string `json:"vehicleType,omitempty"`
}

type Session struct {
	Token   string
	Profile Profile
}

// Store persists the session between process restarts.
type Store interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu  sync.RWMutex
	s   Session
	set bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(ctx context.Context) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return Session{}, ErrNoSession
	}
	return m.s, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s, m.set = s, true
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s, m.set = Session{}, false
	return nil
}

func encodeProfile(p Profile) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(b), nil
}

func decodeProfile(raw string) (Profile, error) {
	var p Profile
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}
