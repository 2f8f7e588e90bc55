package invitations

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultTokenBufferDays is how long past the event date an RSVP token
// stays valid.
const DefaultTokenBufferDays = 7

// rsvpTokenBytes yields a 32-character string under raw URL-safe base64.
const rsvpTokenBytes = 24

// GenerateRSVPToken mints a 32-character URL-safe token.
func GenerateRSVPToken() (string, error) {
	buf := make([]byte, rsvpTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("invitations: failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CalculateTokenExpiration returns the token expiry relative to the event
// date: the event date plus bufferDays.
func CalculateTokenExpiration(eventDate time.Time, bufferDays int) time.Time {
	return eventDate.AddDate(0, 0, bufferDays)
}
