// Package contracts defines the types exchanged between the messaging layer
// and the handlers that collaborators register.
//
// A Delivery is one inbound message with its decoded JSON object payload.
// Handlers return nil to acknowledge it; any error discards it. The package
// also carries the event payloads published on well-known topics.
package contracts
