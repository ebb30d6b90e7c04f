package firebaseapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

var errMissingProjectID = errors.New("firebase project id is required")

// Config selects the Firebase project and its service-account credentials. Without credentials the
// admin SDK falls back to application default credentials, and the Firestore client honours
// FIRESTORE_EMULATOR_HOST.
type Config struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON []byte
}

// App wraps the admin SDK app shared by the Firestore store and the Firebase token verifier.
type App struct {
	app       *firebase.App
	projectID string
}

func New(ctx context.Context, cfg Config) (*App, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	return &App{app: app, projectID: projectID}, nil
}

func clientOptions(cfg Config) []option.ClientOption {
	var options []option.ClientOption
	switch {
	case len(cfg.CredentialsJSON) > 0:
		options = append(options, option.WithCredentialsJSON(cfg.CredentialsJSON))
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		options = append(options, option.WithCredentialsFile(strings.TrimSpace(cfg.CredentialsFile)))
	}
	return options
}

// ProjectID reports the configured project.
func (a *App) ProjectID() string {
	return a.projectID
}

// Auth returns the admin auth client used to verify Firebase ID tokens.
func (a *App) Auth(ctx context.Context) (*fbauth.Client, error) {
	client, err := a.app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return client, nil
}

// Firestore returns a Firestore client. Callers close it.
func (a *App) Firestore(ctx context.Context) (*firestore.Client, error) {
	client, err := a.app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return client, nil
}
