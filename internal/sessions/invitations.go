package sessions

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
)

// InvitationKind distinguishes admin-issued invitations from join requests
// raised by users entering an approval-gated session.
type InvitationKind string

const (
	InvitationInvite  InvitationKind = "invite"
	InvitationRequest InvitationKind = "request"
)

// InvitationStatus is an invitation's lifecycle state.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// InvitationTarget identifies an invitee by user id, email, or both.
type InvitationTarget struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
}

func (t InvitationTarget) normalized() InvitationTarget {
	return InvitationTarget{
		UserID: strings.TrimSpace(t.UserID),
		Email:  strings.ToLower(strings.TrimSpace(t.Email)),
	}
}

func (t InvitationTarget) empty() bool {
	return t.UserID == "" && t.Email == ""
}

// matches reports whether user is the person t names.
func (t InvitationTarget) matches(user collab.User) bool {
	if t.UserID != "" && t.UserID == user.ID {
		return true
	}
	return t.Email != "" && strings.EqualFold(t.Email, strings.TrimSpace(user.Email))
}

// Invitation admits a user into a session once accepted or approved.
type Invitation struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionId"`
	Kind        InvitationKind   `json:"kind"`
	InviterID   string           `json:"inviterId,omitempty"`
	Target      InvitationTarget `json:"target"`
	Role        collab.Role      `json:"role"`
	Status      InvitationStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	RespondedAt time.Time        `json:"respondedAt,omitempty"`
	// requester is the profile captured from a join request.
	requester collab.User
}

func (i Invitation) clone() Invitation {
	clone := i
	clone.requester = i.requester.Clone()
	return clone
}

func (i Invitation) expiredAt(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
