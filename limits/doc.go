// Package limits provides centralized queue and message size limits for the
// group assistant engine, plus the validation helpers the components share.
//
// # Queue Hierarchy
//
// The engine has two queues that accept work faster than it drains:
//
//   - MaxHandlerQueue (4096): inbound group messages waiting to be split.
//     Appends beyond this are rejected with ErrQueueFull; the sender is
//     expected to re-transmit.
//
//   - MaxPendingPerReceiver (1024): split per-member messages waiting for
//     the next distributor tick. Overflow spills the oldest entries to the
//     durable inbox instead of dropping them.
//
// # Message Sizes
//
//   - MaxMessageSize (64 KiB): one serialized reliable message, enforced on
//     the station link and before inbox writes.
//
//   - MaxSecretsPerForward (128): nested messages accepted from a single
//     forward content.
//
//   - MaxMembersPerQuery (512): missing members listed in one key query;
//     larger groups recover across several parent messages.
//
// # Validation Functions
//
// Each validation function reports empty input and limit violations as
// wrapped sentinel errors:
//
//	err := limits.ValidateMessageSize(data)
//	if errors.Is(err, limits.ErrMessageTooLarge) {
//	    // reject, sender re-transmits
//	}
package limits
