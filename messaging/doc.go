// Package messaging turns the raw broker session into typed job plumbing:
// JobPublisher serializes jobs onto the topic exchange, and the generic
// Consumer drives a Handler implementation with at-least-once delivery,
// bounded retry, and dead-lettering.
//
// Retry state lives on the broker. A failed delivery with budget remaining
// is republished through a per-queue delay queue with x-retry-count
// incremented and x-last-error recorded, then the original delivery is
// acked. Once the budget is exhausted the delivery is nacked without
// requeue, routing it to the queue's dead-letter exchange.
package messaging
