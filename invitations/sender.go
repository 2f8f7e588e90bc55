package invitations

import (
	"context"
	"log/slog"
	"time"
)

// Invitation is the structured payload handed to the notification sender
// for one guest.
type Invitation struct {
	GuestName   string
	GuestEmail  string
	EventTitle  string
	EventDate   time.Time
	HostName    string
	RSVPLink    string
	DeclineLink string
}

// Sender delivers invitations. The processor treats per-guest send failures
// as countable, not fatal.
type Sender interface {
	Send(ctx context.Context, invitation Invitation) error
}

// SenderFunc is a function adapter for Sender
type SenderFunc func(ctx context.Context, invitation Invitation) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, invitation Invitation) error {
	return f(ctx, invitation)
}

// LogSender records invitations to the log instead of delivering them.
// Useful in development and as a stand-in while no mail provider is wired.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender
func (s *LogSender) Send(_ context.Context, invitation Invitation) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("invitation",
		"guestEmail", invitation.GuestEmail,
		"eventTitle", invitation.EventTitle,
		"eventDate", invitation.EventDate,
		"rsvpLink", invitation.RSVPLink)
	return nil
}
