package service

import (
	"time"

	"github.com/opd-ai/dimgroup/protocol"
)

// RequestExpiry is how old a chat request may be before the bots ignore it.
// Stations replay queued traffic after reconnects; answering week-old
// commands only confuses people.
const RequestExpiry = 10 * time.Minute

// Request pairs one inbound content with the envelope it arrived under.
type Request struct {
	Envelope protocol.Envelope
	Content  protocol.Content
}

// Sender returns who sent the request.
func (r Request) Sender() protocol.ID {
	return r.Envelope.Sender
}

// Identifier returns where responses go: the group for group requests,
// otherwise the sender directly.
func (r Request) Identifier() protocol.ID {
	if group := r.Content.Group(); !group.IsZero() {
		return group
	}
	return r.Envelope.Sender
}

// When returns the request time: the content time when the sender stamped
// one, else the envelope time.
func (r Request) When() time.Time {
	if when := r.Content.When(); !when.IsZero() {
		return when
	}
	return r.Envelope.Time.Time
}
