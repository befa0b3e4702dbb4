package contracts

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a message body is not a JSON object
var ErrMalformedPayload = errors.New("contracts: malformed payload")

// PayloadError describes a body that could not be decoded
type PayloadError struct {
	Topic     string
	MessageID string
	Err       error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("contracts: malformed payload on %s (message %s): %v", e.Topic, e.MessageID, e.Err)
}

func (e *PayloadError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}
