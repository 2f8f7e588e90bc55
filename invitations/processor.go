package invitations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatherly/courier-go/contracts"
)

// Processor handles event.published jobs: it loads the event with its
// pending guests, mints an RSVP token per guest, transitions each guest to
// sent, and hands the invitation to the sender. Per-guest failures are
// isolated; the job only fails when every attempted guest fails.
type Processor struct {
	store           EventStore
	sender          Sender
	baseURL         string
	tokenBufferDays int
	logger          *slog.Logger
	now             func() time.Time
}

// ProcessorOption configures the Processor
type ProcessorOption func(*Processor)

// WithBaseURL sets the public base URL used to build RSVP links
func WithBaseURL(baseURL string) ProcessorOption {
	return func(p *Processor) {
		p.baseURL = baseURL
	}
}

// WithTokenBufferDays sets how long past the event date tokens stay valid
func WithTokenBufferDays(days int) ProcessorOption {
	return func(p *Processor) {
		p.tokenBufferDays = days
	}
}

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates an event-published processor.
func NewProcessor(store EventStore, sender Sender, options ...ProcessorOption) *Processor {
	p := &Processor{
		store:           store,
		sender:          sender,
		baseURL:         "https://app.gatherly.io",
		tokenBufferDays: DefaultTokenBufferDays,
		logger:          slog.Default(),
		now:             time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// HandleMessage implements messaging.Handler for EventPublishedJob.
//
// Validation failures (missing event, still a draft, no pending guests) are
// deliberately not errors: a redelivered or stale job cannot be fixed by
// retrying, so the delivery is acked as a no-op.
func (p *Processor) HandleMessage(ctx context.Context, job contracts.EventPublishedJob, envelope *contracts.MessageEnvelope) error {
	logger := p.logger.With("jobId", job.GetID(), "eventId", job.EventID)

	event, err := p.store.GetEventForDelivery(ctx, job.EventID)
	if errors.Is(err, ErrEventNotFound) {
		logger.Warn("event not found, skipping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("invitations: failed to load event %d: %w", job.EventID, err)
	}

	if event.Status == EventStatusDraft {
		logger.Warn("event still in draft, skipping job")
		return nil
	}
	if len(event.Guests) == 0 {
		logger.Info("no pending guests, skipping job")
		return nil
	}

	expiresAt := CalculateTokenExpiration(event.StartsAt, p.tokenBufferDays)

	attempted := 0
	sent := 0
	for _, guest := range event.Guests {
		if guest.Status != GuestStatusPending {
			continue
		}
		attempted++

		if err := p.inviteGuest(ctx, event, guest, expiresAt); err != nil {
			logger.Error("failed to invite guest",
				"guestId", guest.ID,
				"guestEmail", guest.Email,
				"error", err)
			continue
		}
		sent++
	}

	logger.Info("event delivery processed",
		"eventTitle", event.Title,
		"attempted", attempted,
		"sent", sent,
		"failed", attempted-sent)

	if attempted > 0 && sent == 0 {
		return fmt.Errorf("invitations: all %d guests failed for event %d", attempted, event.ID)
	}
	return nil
}

// inviteGuest performs the idempotent per-guest side effects: reuse the
// existing token when one was already minted for a partially processed job,
// persist the sent transition, then hand off to the sender.
func (p *Processor) inviteGuest(ctx context.Context, event *Event, guest Guest, expiresAt time.Time) error {
	token := guest.RSVPToken
	if token == "" {
		minted, err := GenerateRSVPToken()
		if err != nil {
			return err
		}
		token = minted
	}

	delivery := GuestDelivery{
		Token:     token,
		ExpiresAt: expiresAt,
		SentAt:    p.now(),
	}
	if err := p.store.MarkGuestInvited(ctx, guest.ID, delivery); err != nil {
		return fmt.Errorf("failed to persist invitation for guest %d: %w", guest.ID, err)
	}

	invitation := Invitation{
		GuestName:   guest.Name,
		GuestEmail:  guest.Email,
		EventTitle:  event.Title,
		EventDate:   event.StartsAt,
		HostName:    event.Host.Name,
		RSVPLink:    fmt.Sprintf("%s/rsvp/%s", p.baseURL, token),
		DeclineLink: fmt.Sprintf("%s/rsvp/%s/decline", p.baseURL, token),
	}
	if err := p.sender.Send(ctx, invitation); err != nil {
		return fmt.Errorf("failed to send invitation to %s: %w", guest.Email, err)
	}

	p.logger.Debug("guest invited",
		"eventId", event.ID,
		"guestId", guest.ID,
		"tokenExpiresAt", expiresAt)
	return nil
}
