package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/hive"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/identity"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultIdleTimeout  = 30 * time.Minute
	defaultReapInterval = time.Minute
)

var (
	errMissingIdentityProvider = errors.New("identity provider dependency required")
	errMissingStore            = errors.New("store dependency required")
	errMissingGenerator        = errors.New("generator dependency required")
	errRegistryClosed          = errors.New("session registry closed")
)

// RegistryConfig wires the shared clients every client session is built from.
type RegistryConfig struct {
	Identity    *identity.Provider
	Store       hive.Store
	Generator   hive.Generator
	BannerTTL   time.Duration
	IdleTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Registry owns the live client sessions. Each session pairs an identity session with the
// controller observing it.
type Registry struct {
	identity    *identity.Provider
	store       hive.Store
	generator   hive.Generator
	bannerTTL   time.Duration
	idleTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*clientSession
	closed   bool
}

type clientSession struct {
	id         string
	identity   *identity.Session
	controller *hive.Controller
	lastSeen   time.Time
}

func (s *clientSession) close() {
	s.controller.Close()
	s.identity.Close()
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Identity == nil {
		return nil, errMissingIdentityProvider
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		identity:    cfg.Identity,
		store:       cfg.Store,
		generator:   cfg.Generator,
		bannerTTL:   cfg.BannerTTL,
		idleTimeout: idleTimeout,
		clock:       clock,
		logger:      logger,
		sessions:    make(map[string]*clientSession),
	}, nil
}

// Create starts a signed-out client session and returns its id.
func (r *Registry) Create() (string, *hive.Controller, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, err
	}
	identitySession := r.identity.NewSession()
	controller, err := hive.New(hive.Config{
		Identity:  identitySession,
		Store:     r.store,
		Generator: r.generator,
		BannerTTL: r.bannerTTL,
		Logger:    r.logger.With(zap.String("session_id", id.String())),
	})
	if err != nil {
		identitySession.Close()
		return "", nil, err
	}
	session := &clientSession{
		id:         id.String(),
		identity:   identitySession,
		controller: controller,
		lastSeen:   r.clock(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		session.close()
		return "", nil, errRegistryClosed
	}
	r.sessions[session.id] = session
	r.mu.Unlock()

	r.logger.Info("client session created", zap.String("session_id", session.id))
	return session.id, controller, nil
}

// Lookup returns the controller for id and marks the session as active.
func (r *Registry) Lookup(id string) (*hive.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	session.lastSeen = r.clock()
	return session.controller, true
}

// Remove closes the session. It reports whether the session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	session.close()
	r.logger.Info("client session closed", zap.String("session_id", id))
	return true
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap closes every session idle for longer than the idle timeout and returns how many it closed.
func (r *Registry) Reap() int {
	cutoff := r.clock().Add(-r.idleTimeout)
	r.mu.Lock()
	var idle []*clientSession
	for id, session := range r.sessions {
		if session.lastSeen.Before(cutoff) {
			idle = append(idle, session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, session := range idle {
		session.close()
		r.logger.Info("client session reaped", zap.String("session_id", session.id))
	}
	return len(idle)
}

// Run reaps idle sessions on every interval tick until ctx ends, then closes all sessions.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Close closes every session and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*clientSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[string]*clientSession)
	r.mu.Unlock()

	for _, session := range sessions {
		session.close()
	}
}
