package invitations

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned by EventStore when the event does not exist.
var ErrEventNotFound = errors.New("invitations: event not found")

// Event statuses as stored by the platform.
const (
	EventStatusDraft     = "draft"
	EventStatusPublished = "published"
	EventStatusArchived  = "archived"
)

// Guest statuses tracked per invitation.
const (
	GuestStatusPending  = "pending"
	GuestStatusSent     = "sent"
	GuestStatusAccepted = "accepted"
	GuestStatusDeclined = "declined"
)

// Host is the user who owns an event.
type Host struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Guest is a dependent record of an event. RSVPToken is empty until an
// invitation has been minted for the guest.
type Guest struct {
	ID             int64      `json:"id"`
	EventID        int64      `json:"eventId"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	RSVPToken      string     `json:"rsvpToken,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
}

// Event is the aggregate an event.published job refers to, loaded together
// with its host and pending guests.
type Event struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	StartsAt time.Time `json:"startsAt"`
	HostID   int64     `json:"hostId"`
	Host     Host      `json:"host"`
	Guests   []Guest   `json:"guests"`
}

// GuestDelivery carries the per-guest fields persisted when an invitation
// goes out: the minted token, its expiry, and the sent timestamp.
type GuestDelivery struct {
	Token     string
	ExpiresAt time.Time
	SentAt    time.Time
}

// EventStore is the narrow job-store interface the processor depends on:
// fetch-by-id with filtered children, and update-one-child-by-id.
type EventStore interface {
	// GetEventForDelivery loads the event with its host and only its
	// pending guests. Returns ErrEventNotFound when the event is missing.
	GetEventForDelivery(ctx context.Context, eventID int64) (*Event, error)

	// MarkGuestInvited persists the token and transitions the guest to sent.
	MarkGuestInvited(ctx context.Context, guestID int64, delivery GuestDelivery) error
}
