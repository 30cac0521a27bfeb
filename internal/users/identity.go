package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
)

// Identity maps a provider login onto the canonical user id collaborators
// see in sessions.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// profile is the collaboration user for the identity. The display name falls
// back to the user id.
func (i Identity) profile(now time.Time) collab.User {
	displayName := i.DisplayName
	if displayName == "" {
		displayName = i.UserID
	}
	return collab.User{
		ID:          i.UserID,
		DisplayName: displayName,
		Email:       i.Email,
		AvatarURL:   i.AvatarURL,
		Status:      collab.UserOnline,
		LastSeen:    now,
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
