package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	fbauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
)

// ProviderFirebase labels identities whose sign-in provider Firebase did not report.
const ProviderFirebase = "firebase"

var errMissingFirebaseClient = errors.New("firebase auth client required")

// FirebaseTokenVerifier is the subset of the Firebase admin auth client used for ID-token checks.
type FirebaseTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier verifies Firebase Authentication ID tokens through the admin SDK.
type FirebaseVerifier struct {
	client FirebaseTokenVerifier
	logger *zap.Logger
}

func NewFirebaseVerifier(client FirebaseTokenVerifier, logger *zap.Logger) (*FirebaseVerifier, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingFirebaseClient)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirebaseVerifier{client: client, logger: logger}, nil
}

// Verify checks the token with Firebase and maps its claims onto IdentityClaims.
func (v *FirebaseVerifier) Verify(ctx context.Context, rawToken string) (IdentityClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return IdentityClaims{}, errMissingToken
	}
	token, err := v.client.VerifyIDToken(ctx, rawToken)
	if err != nil {
		v.logger.Debug("firebase token rejected", zap.Error(err))
		return IdentityClaims{}, err
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return IdentityClaims{}, errMissingSubject
	}

	provider := strings.TrimSpace(token.Firebase.SignInProvider)
	if provider == "" {
		provider = ProviderFirebase
	}
	return IdentityClaims{
		Provider: provider,
		Subject:  token.UID,
		Email:    stringClaim(token.Claims, "email"),
		Name:     stringClaim(token.Claims, "name"),
		Picture:  stringClaim(token.Claims, "picture"),
		Audience: token.Audience,
		Issuer:   token.Issuer,
		Expiry:   unixTime(token.Expires),
		IssuedAt: unixTime(token.IssuedAt),
	}, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func unixTime(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
