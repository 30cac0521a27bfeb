package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errMissingInvitationID  = errors.New("invitation id claim must be provided")
	errMissingSessionID     = errors.New("session id claim must be provided")
)

// InvitationGrant is what an invitation link token proves.
type InvitationGrant struct {
	InvitationID string
	SessionID    string
	// Recipient is the invited user id or email.
	Recipient string
	// ExpiresAt caps the token lifetime when earlier than the configured TTL.
	ExpiresAt time.Time
}

// InvitationClaims is the JWT payload of an invitation link.
type InvitationClaims struct {
	InvitationID string `json:"invitation_id"`
	SessionID    string `json:"session_id"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the invitation link issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and verifies invitation link tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. A zero TTL means 24 hours.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		return nil, fmt.Errorf("token ttl must not be negative")
	}
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        strings.TrimSpace(cfg.Issuer),
			Audience:      strings.TrimSpace(cfg.Audience),
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueInvitationToken produces a signed link token and its lifetime in seconds.
func (i *TokenIssuer) IssueInvitationToken(_ context.Context, grant InvitationGrant) (string, int64, error) {
	if strings.TrimSpace(grant.InvitationID) == "" {
		return "", 0, errMissingInvitationID
	}
	if strings.TrimSpace(grant.SessionID) == "" {
		return "", 0, errMissingSessionID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)
	if !grant.ExpiresAt.IsZero() && grant.ExpiresAt.Before(expiresAt) {
		expiresAt = grant.ExpiresAt.UTC()
	}
	if !expiresAt.After(now) {
		return "", 0, fmt.Errorf("invitation %s already expired", grant.InvitationID)
	}

	claims := InvitationClaims{
		InvitationID: grant.InvitationID,
		SessionID:    grant.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.Recipient,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks an invitation link token and returns its grant.
func (i *TokenIssuer) ValidateToken(tokenString string) (InvitationGrant, error) {
	claims := &InvitationClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return InvitationGrant{}, err
	}
	if claims.InvitationID == "" {
		return InvitationGrant{}, errMissingInvitationID
	}
	if claims.SessionID == "" {
		return InvitationGrant{}, errMissingSessionID
	}
	grant := InvitationGrant{
		InvitationID: claims.InvitationID,
		SessionID:    claims.SessionID,
		Recipient:    claims.Subject,
	}
	if claims.ExpiresAt != nil {
		grant.ExpiresAt = claims.ExpiresAt.Time
	}
	return grant, nil
}
