package relica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/relica"
	"github.com/gatherly/courier-go/invitations"
)

// EventStore implements invitations.EventStore using Relica.
type EventStore struct {
	db          *relica.DB
	tablePrefix string
}

// NewEventStore creates an EventStore with no table prefix.
func NewEventStore(sqlDB *sql.DB, driverName string) *EventStore {
	return &EventStore{db: relica.WrapDB(sqlDB, driverName)}
}

// NewEventStoreWithPrefix creates an EventStore with a custom table prefix.
func NewEventStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string) *EventStore {
	return &EventStore{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (s *EventStore) eventsTable() string { return s.tablePrefix + "events" }
func (s *EventStore) guestsTable() string { return s.tablePrefix + "guests" }
func (s *EventStore) usersTable() string  { return s.tablePrefix + "users" }

// eventRow mirrors the events table.
type eventRow struct {
	ID       int64     `db:"id"`
	Title    string    `db:"title"`
	Status   string    `db:"status"`
	StartsAt time.Time `db:"starts_at"`
	HostID   int64     `db:"host_id"`
}

// guestRow mirrors the guests table; token fields are nullable until an
// invitation goes out.
type guestRow struct {
	ID             int64          `db:"id"`
	EventID        int64          `db:"event_id"`
	Name           string         `db:"name"`
	Email          string         `db:"email"`
	Status         string         `db:"status"`
	RSVPToken      sql.NullString `db:"rsvp_token"`
	TokenExpiresAt sql.NullTime   `db:"token_expires_at"`
	SentAt         sql.NullTime   `db:"sent_at"`
}

// userRow mirrors the users table.
type userRow struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`
}

// GetEventForDelivery implements invitations.EventStore.
func (s *EventStore) GetEventForDelivery(ctx context.Context, eventID int64) (*invitations.Event, error) {
	var ev eventRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.eventsTable()).
		Where("id = ?", eventID).
		One(&ev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, invitations.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relica: failed to load event %d: %w", eventID, err)
	}

	var host userRow
	err = s.db.WithContext(ctx).Select("*").
		From(s.usersTable()).
		Where("id = ?", ev.HostID).
		One(&host)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relica: failed to load host %d: %w", ev.HostID, err)
	}

	var guests []guestRow
	err = s.db.WithContext(ctx).Select("*").
		From(s.guestsTable()).
		Where("event_id = ? AND status = ?", eventID, invitations.GuestStatusPending).
		OrderBy("id ASC").
		All(&guests)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relica: failed to load guests for event %d: %w", eventID, err)
	}

	event := &invitations.Event{
		ID:       ev.ID,
		Title:    ev.Title,
		Status:   ev.Status,
		StartsAt: ev.StartsAt,
		HostID:   ev.HostID,
		Host: invitations.Host{
			ID:    host.ID,
			Name:  host.Name,
			Email: host.Email,
		},
		Guests: make([]invitations.Guest, 0, len(guests)),
	}

	for _, g := range guests {
		guest := invitations.Guest{
			ID:      g.ID,
			EventID: g.EventID,
			Name:    g.Name,
			Email:   g.Email,
			Status:  g.Status,
		}
		if g.RSVPToken.Valid {
			guest.RSVPToken = g.RSVPToken.String
		}
		if g.TokenExpiresAt.Valid {
			t := g.TokenExpiresAt.Time
			guest.TokenExpiresAt = &t
		}
		if g.SentAt.Valid {
			t := g.SentAt.Time
			guest.SentAt = &t
		}
		event.Guests = append(event.Guests, guest)
	}

	return event, nil
}

// MarkGuestInvited implements invitations.EventStore.
func (s *EventStore) MarkGuestInvited(ctx context.Context, guestID int64, delivery invitations.GuestDelivery) error {
	_, err := s.db.WithContext(ctx).Update(s.guestsTable()).
		Set(map[string]interface{}{
			"rsvp_token":       delivery.Token,
			"token_expires_at": delivery.ExpiresAt,
			"status":           invitations.GuestStatusSent,
			"sent_at":          delivery.SentAt,
		}).
		Where("id = ?", guestID).
		Execute()
	if err != nil {
		return fmt.Errorf("relica: failed to mark guest %d invited: %w", guestID, err)
	}
	return nil
}
