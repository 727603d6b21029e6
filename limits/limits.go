package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxHandlerQueue caps the group-message handler's waiting queue.
	// Beyond this the engine is falling behind; new group messages are
	// rejected and the sender re-transmits.
	MaxHandlerQueue = 4096

	// MaxPendingPerReceiver caps one receiver's in-memory pending queue
	// in the distributor. Overflow spills the oldest entries to the
	// durable inbox.
	MaxPendingPerReceiver = 1024

	// MaxServiceQueue caps the service's waiting request queue. Chat
	// requests beyond it are dropped; the user retries.
	MaxServiceQueue = 4096

	// MaxMessageSize is the maximum serialized size of one reliable
	// message, enforced on station frames and before inbox writes.
	// Messages carry ciphertext and wrapped keys but never bulk file
	// data (files travel by URL), so anything larger is malformed.
	MaxMessageSize = 64 * 1024

	// MaxSecretsPerForward caps how many nested messages a single
	// forward content may carry.
	MaxSecretsPerForward = 128

	// MaxMembersPerQuery caps the missing-member list of one key query.
	// Larger groups recover across several parent messages.
	MaxMembersPerQuery = 512
)

var (
	// ErrQueueFull indicates a bounded queue rejected a new entry.
	ErrQueueFull = errors.New("queue full")

	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a message exceeds its size limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrTooManySecrets indicates a forward content carrying more nested
	// messages than the engine accepts.
	ErrTooManySecrets = errors.New("too many secrets in forward content")
)

// ValidateMessageSize validates a serialized message against MaxMessageSize.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}
	return nil
}

// ValidateFrameSize validates a declared frame length before the body is
// read, so an oversized length prefix never triggers a matching allocation.
func ValidateFrameSize(n int) error {
	if n <= 0 {
		return ErrMessageEmpty
	}
	if n > MaxMessageSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, n, MaxMessageSize)
	}
	return nil
}

// ValidateSecretCount validates the nested message count of a forward content.
func ValidateSecretCount(n int) error {
	if n > MaxSecretsPerForward {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManySecrets, n, MaxSecretsPerForward)
	}
	return nil
}
