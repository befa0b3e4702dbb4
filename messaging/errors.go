package messaging

import "errors"

var (
	// ErrMessageDropped is returned when the broker was unavailable and no outbox is configured
	ErrMessageDropped = errors.New("messaging: message dropped, broker unavailable")
	// ErrInvalidPayload is returned for payloads that do not encode to a JSON object
	ErrInvalidPayload = errors.New("messaging: payload is not a JSON object")
	// ErrInvalidTopic is returned for an empty topic
	ErrInvalidTopic = errors.New("messaging: topic is required")
)
