package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/auth"
	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const guestRoleClaim = "guest"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
		cache:  sync.Map{},
	}, nil
}

// ResolveUser returns the collaboration profile for the provided session
// claims. It creates an identity mapping when the provider+subject pair has
// not been seen before and refreshes the stored profile otherwise.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (collab.User, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return collab.User{}, ErrInvalidIdentity
	}

	identity, err := s.resolveIdentity(ctx, provider, subject, claims)
	if err != nil {
		return collab.User{}, err
	}

	user := identity.profile(s.now())
	if claims.HasRole(guestRoleClaim) {
		user.Role = collab.RoleGuest
	}
	return user, nil
}

// ResolveCanonicalUserID returns only the canonical user id for claims.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	user, err := s.ResolveUser(ctx, claims)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (s *Service) resolveIdentity(ctx context.Context, provider, subject string, claims auth.SessionClaims) (Identity, error) {
	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		updates["last_seen_at"] = s.now()
		err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
		if err != nil {
			s.logger.Warn("identity refresh failed", zap.String("provider", provider), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity)
	return identity, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
