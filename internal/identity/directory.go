package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/community"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 6

var (
	errMissingDatabase   = errors.New("identity: database connection required")
	errMalformedEmail    = errors.New("email is malformed")
	errMissingPassword   = errors.New("password is required")
	errMissingSubject    = errors.New("identity claims carry no subject")
	errPasswordTooShort  = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	errAccountNotFound   = errors.New("no account for email")
	errAccountDisabled   = errors.New("account is disabled")
	errPasswordMismatch  = errors.New("password does not match")
	errEmailAlreadyTaken = errors.New("email already registered")
)

// DirectoryConfig describes the dependencies of the account directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Directory stores password accounts and federated identity links.
type Directory struct {
	db    *gorm.DB
	now   func() time.Time
	cost  int
	links sync.Map
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Directory{db: cfg.Database, now: clock, cost: cost}, nil
}

// Authenticate checks a password against the account registered for email.
func (d *Directory) Authenticate(ctx context.Context, email, password string) (Account, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Account{}, newAuthError(CodeInvalidCredential, err)
	}
	if password == "" {
		return Account{}, newAuthError(CodeInvalidCredential, errMissingPassword)
	}

	var account Account
	err = d.db.WithContext(ctx).Where("email = ?", normalized).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, newAuthError(CodeUserNotFound, errAccountNotFound)
	}
	if err != nil {
		return Account{}, newAuthError(CodeInternal, err)
	}
	if account.Disabled {
		return Account{}, newAuthError(CodeUserDisabled, errAccountDisabled)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, newAuthError(CodeWrongPassword, errPasswordMismatch)
	}
	return account, nil
}

// Register creates a password account with a fresh uid.
func (d *Directory) Register(ctx context.Context, email, password, displayName string) (Account, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Account{}, newAuthError(CodeInvalidCredential, err)
	}
	if len(password) < minPasswordLength {
		return Account{}, newAuthError(CodeWeakPassword, errPasswordTooShort)
	}

	var existing int64
	if err := d.db.WithContext(ctx).Model(&Account{}).Where("email = ?", normalized).Count(&existing).Error; err != nil {
		return Account{}, newAuthError(CodeInternal, err)
	}
	if existing > 0 {
		return Account{}, newAuthError(CodeEmailInUse, errEmailAlreadyTaken)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return Account{}, newAuthError(CodeInternal, err)
	}
	uid, err := uuid.NewV7()
	if err != nil {
		return Account{}, newAuthError(CodeInternal, err)
	}
	account := Account{
		UID:          uid.String(),
		Email:        normalized,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
	}
	if err := d.db.WithContext(ctx).Create(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Account{}, newAuthError(CodeEmailInUse, errEmailAlreadyTaken)
		}
		return Account{}, newAuthError(CodeInternal, err)
	}
	return account, nil
}

// SetDisabled toggles whether an account may sign in.
func (d *Directory) SetDisabled(ctx context.Context, uid string, disabled bool) error {
	result := d.db.WithContext(ctx).Model(&Account{}).Where("uid = ?", uid).Update("disabled", disabled)
	if result.Error != nil {
		return newAuthError(CodeInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return newAuthError(CodeUserNotFound, errAccountNotFound)
	}
	return nil
}

// ResolveFederated returns the profile for a verified federated identity, creating the link on first
// sight. A new link reuses the provider subject as the uid.
func (d *Directory) ResolveFederated(ctx context.Context, claims auth.IdentityClaims) (community.UserProfile, error) {
	provider := strings.TrimSpace(claims.Provider)
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return community.UserProfile{}, newAuthError(CodeProviderError, errMissingSubject)
	}
	if provider == "" {
		provider = "default"
	}

	profile := community.UserProfile{
		Email:    strings.TrimSpace(claims.Email),
		PhotoURL: strings.TrimSpace(claims.Picture),
	}
	profile.DisplayName = community.DisplayNameFor(claims.Name, profile.Email)

	cacheKey := provider + ":" + subject
	if cached, ok := d.links.Load(cacheKey); ok {
		if uid, ok := cached.(string); ok {
			profile.UID = uid
			d.touchLink(ctx, provider, subject, claims)
			return profile, nil
		}
	}

	var link Link
	err := d.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&link).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		uid, idErr := community.NewUserID(subject)
		if idErr != nil {
			return community.UserProfile{}, newAuthError(CodeProviderError, idErr)
		}
		link = Link{
			Provider:    provider,
			Subject:     subject,
			UID:         uid,
			Email:       profile.Email,
			DisplayName: strings.TrimSpace(claims.Name),
			PhotoURL:    profile.PhotoURL,
			LastSeenAt:  d.now(),
		}
		if err := d.db.WithContext(ctx).Create(&link).Error; err != nil {
			return community.UserProfile{}, newAuthError(CodeInternal, err)
		}
	case err != nil:
		return community.UserProfile{}, newAuthError(CodeInternal, err)
	default:
		d.touchLink(ctx, provider, subject, claims)
	}

	d.links.Store(cacheKey, link.UID)
	profile.UID = link.UID
	return profile, nil
}

// touchLink refreshes the cached provider claims. Failures only cost freshness.
func (d *Directory) touchLink(ctx context.Context, provider, subject string, claims auth.IdentityClaims) {
	updates := map[string]interface{}{"last_seen_at": d.now()}
	if email := strings.TrimSpace(claims.Email); email != "" {
		updates["email"] = email
	}
	if name := strings.TrimSpace(claims.Name); name != "" {
		updates["display_name"] = name
	}
	if picture := strings.TrimSpace(claims.Picture); picture != "" {
		updates["photo_url"] = picture
	}
	_ = d.db.WithContext(ctx).
		Model(&Link{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", errMalformedEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", errMalformedEmail
	}
	return trimmed, nil
}
