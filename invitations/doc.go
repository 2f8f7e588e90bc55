// Package invitations contains the event-published processor: when an event
// leaves draft state, every pending guest gets a time-limited RSVP token and
// an invitation, tolerating partial per-guest failure.
package invitations
