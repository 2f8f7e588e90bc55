// Package contracts defines the wire-level job contract shared by the
// publisher and every consumer: the envelope fields stamped onto each job,
// the delivery-side message envelope, and the retry headers carried by the
// broker across redeliveries.
package contracts
