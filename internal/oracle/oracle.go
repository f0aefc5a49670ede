// Package oracle is the language model boundary used for selection, filtering and summarization.
package oracle

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("empty model response")

// Attachment is a binary document sent alongside a message.
type Attachment struct {
	MIMEType string
	Name     string
	Data     []byte
}

// Message is one chat message.
type Message struct {
	Role       string
	Text       string
	Attachment *Attachment
}

// Request is a single completion call.
type Request struct {
	Model       string
	Temperature float64
	Messages    []Message
	// JSON asks the model for a JSON object response.
	JSON bool
}

// Client completes chat requests.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// User builds a single user message request.
func User(model string, temperature float64, text string) Request {
	return Request{
		Model:       model,
		Temperature: temperature,
		Messages:    []Message{{Role: RoleUser, Text: text}},
	}
}
