// Package reliability provides retry policies used by the connection
// manager's reconnect loop and by callers that need bounded retry around
// broker operations.
package reliability
