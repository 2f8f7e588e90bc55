// Package rabbitmq owns the broker session: a single connection and channel
// pair with automatic bounded reconnection, exchange declaration, and queue
// topology helpers. Higher layers reach the broker only through the
// ConnectionManager so a dropped connection has one recovery path.
package rabbitmq
