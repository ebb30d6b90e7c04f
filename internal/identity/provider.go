package identity

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"go.uber.org/zap"
)

var (
	errMissingDirectory         = errors.New("identity: account directory required")
	errFederatedNotConfigured   = errors.New("federated sign-in is not configured")
	errEmptyFederatedCredential = errors.New("no credential supplied")
)

// FederatedVerifier validates a provider-issued ID token.
type FederatedVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.IdentityClaims, error)
}

// ProfileStore receives the profile written after every successful sign-in.
type ProfileStore interface {
	UpsertUserProfile(ctx context.Context, profile community.UserProfile) error
}

// ProviderConfig wires the shared identity dependencies.
type ProviderConfig struct {
	Directory *Directory
	// Verifier is optional; without it federated sign-in reports CodeProviderError.
	Verifier FederatedVerifier
	Profiles ProfileStore
	Logger   *zap.Logger
}

// Provider is the process-wide identity service. Each client gets its own Session from it.
type Provider struct {
	directory *Directory
	verifier  FederatedVerifier
	profiles  ProfileStore
	logger    *zap.Logger
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		directory: cfg.Directory,
		verifier:  cfg.Verifier,
		profiles:  cfg.Profiles,
		logger:    logger,
	}, nil
}

func (p *Provider) signInWithPassword(ctx context.Context, email, password, displayName string) (community.UserProfile, error) {
	account, err := p.directory.Authenticate(ctx, email, password)
	if CodeOf(err) == CodeUserNotFound {
		account, err = p.directory.Register(ctx, email, password, displayName)
		if err == nil {
			p.logger.Info("account registered", zap.String("uid", account.UID))
		}
	}
	if err != nil {
		p.logError("identity.sign_in_password", CodeOf(err), err)
		return community.UserProfile{}, err
	}
	profile := community.UserProfile{
		UID:         account.UID,
		DisplayName: community.DisplayNameFor(account.DisplayName, account.Email),
		Email:       account.Email,
		PhotoURL:    account.PhotoURL,
	}
	p.upsertProfile(ctx, profile)
	return profile, nil
}

func (p *Provider) signInWithFederated(ctx context.Context, credential string) (community.UserProfile, error) {
	if credential == "" {
		return community.UserProfile{}, newAuthError(CodeCancelled, errEmptyFederatedCredential)
	}
	if p.verifier == nil {
		return community.UserProfile{}, newAuthError(CodeProviderError, errFederatedNotConfigured)
	}
	claims, err := p.verifier.Verify(ctx, credential)
	if err != nil {
		p.logError("identity.sign_in_federated", "verification_failed", err)
		return community.UserProfile{}, newAuthError(CodeProviderError, err)
	}
	profile, err := p.directory.ResolveFederated(ctx, claims)
	if err != nil {
		p.logError("identity.sign_in_federated", CodeOf(err), err)
		return community.UserProfile{}, err
	}
	p.upsertProfile(ctx, profile)
	return profile, nil
}

// upsertProfile mirrors the profile into the document store. A failed mirror does not undo sign-in.
func (p *Provider) upsertProfile(ctx context.Context, profile community.UserProfile) {
	if p.profiles == nil {
		return
	}
	if err := p.profiles.UpsertUserProfile(ctx, profile); err != nil {
		p.logError("identity.upsert_profile", "write_failed", err, zap.String("uid", profile.UID))
	}
}

func (p *Provider) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Warn("identity error", attrs...)
}
