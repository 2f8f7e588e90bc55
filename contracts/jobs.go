package contracts

// Job type identifiers published by the platform.
const (
	TypeEventPublished = "event.published"
)

// EventPublishedJob signals that an event left draft state and its pending
// guests should receive invitations.
type EventPublishedJob struct {
	JobMeta
	EventID int64 `json:"eventId"`
}

// NewEventPublishedJob creates an event.published job for the given event.
func NewEventPublishedJob(eventID int64) EventPublishedJob {
	return EventPublishedJob{
		JobMeta: NewJobMeta(TypeEventPublished),
		EventID: eventID,
	}
}
