package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/database"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/hive"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnvironment struct {
	server   *httptest.Server
	registry *Registry
	tokens   *auth.TokenIssuer
}

type registryOptions struct {
	clock       func() time.Time
	idleTimeout time.Duration
}

func newTestRegistry(t *testing.T, opts registryOptions) *Registry {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	sqlStore, err := store.NewSQLStore(store.SQLConfig{Database: db, IDProvider: store.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })

	directory, err := identity.NewDirectory(identity.DirectoryConfig{Database: db, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	provider, err := identity.NewProvider(identity.ProviderConfig{Directory: directory, Profiles: sqlStore})
	if err != nil {
		t.Fatalf("failed to construct identity provider: %v", err)
	}

	registry, err := NewRegistry(RegistryConfig{
		Identity:    provider,
		Store:       sqlStore,
		Generator:   generation.NewClient(generation.ClientConfig{}),
		IdleTimeout: opts.idleTimeout,
		Clock:       opts.clock,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Close)
	return registry
}

func newTestEnvironment(t *testing.T, heartbeat time.Duration) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := newTestRegistry(t, registryOptions{})

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "helperhive-api",
		Audience:      "helperhive-web",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:            registry,
		TokenManager:        tokens,
		Content:             generation.NewClient(generation.ClientConfig{}),
		MaxInlineImageBytes: 64,
		HeartbeatInterval:   heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnvironment{server: server, registry: registry, tokens: tokens}
}

func (e *testEnvironment) createSession(t *testing.T) string {
	t.Helper()
	var payload sessionResponsePayload
	status := e.call(t, http.MethodPost, "/sessions", "", nil, &payload)
	if status != http.StatusCreated {
		t.Fatalf("unexpected session status: %d", status)
	}
	if payload.AccessToken == "" || payload.TokenType != "Bearer" || payload.ExpiresIn != 60 {
		t.Fatalf("unexpected session payload: %#v", payload)
	}
	return payload.AccessToken
}

// call performs a JSON request and decodes the response into target when it is non-nil.
func (e *testEnvironment) call(t *testing.T, method, path, token string, body any, target any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := e.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (e *testEnvironment) awaitState(t *testing.T, token, description string, predicate func(hive.State) bool) hive.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var payload stateResponsePayload
		if status := e.call(t, http.MethodGet, "/state", token, nil, &payload); status != http.StatusOK {
			t.Fatalf("unexpected state status: %d", status)
		}
		if predicate(payload.State) {
			return payload.State
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never satisfied %s: %#v", description, payload.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
