package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/protocol"
)

func TestForwardProcessorRoutesSecrets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	proc := NewForwardProcessor(e.handler, e.messenger, e.footprint)

	groupMsg := e.groupMessage(e.alice, "sig-group", nil)

	directMsg := e.commandMessage(e.bob, "sig-direct")
	reply := e.commandMessage(e.assistant, "sig-reply")
	reply.Receiver = e.bob
	e.messenger.responses = []*protocol.ReliableMessage{reply}

	badMsg := e.groupMessage(e.carol, "sig-bad", nil)
	badMsg.Receiver = protocol.EveryoneID

	fwd := protocol.NewForwardContent(groupMsg, directMsg, badMsg)
	outer := e.commandMessage(e.alice, "sig-outer")

	responses, err := proc.Process(ctx, fwd, outer)
	require.NoError(t, err)
	require.Len(t, responses, 3, "one response slot per secret")

	// Slot 0: group message queued on the handler, empty response.
	slot, ok := responses[0].(*protocol.ForwardContent)
	require.True(t, ok)
	assert.Empty(t, slot.Messages())
	queued := e.handler.nextMessage()
	require.NotNil(t, queued)
	assert.Equal(t, []byte("sig-group"), queued.Signature)

	// Slot 1: direct message replayed, response forwarded back.
	slot, ok = responses[1].(*protocol.ForwardContent)
	require.True(t, ok)
	require.Len(t, slot.Messages(), 1)
	assert.Equal(t, []byte("sig-reply"), slot.Messages()[0].Signature)
	require.Len(t, e.messenger.processed, 1)
	assert.Equal(t, []byte("sig-direct"), e.messenger.processed[0].Signature)

	// Slot 2: broadcast group receiver is rejected with an empty slot.
	slot, ok = responses[2].(*protocol.ForwardContent)
	require.True(t, ok)
	assert.Empty(t, slot.Messages())
	assert.Nil(t, e.handler.nextMessage(), "rejected secret is not queued")

	// Everybody involved left a footprint.
	for _, id := range []protocol.ID{e.alice, e.bob, e.carol} {
		assert.False(t, e.footprint.LastTime(id).IsZero(), "no footprint for %s", id)
	}
}

func TestForwardProcessorGroupCommandSecret(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	proc := NewForwardProcessor(e.handler, e.messenger, e.footprint)

	cmd := e.groupMessage(e.alice, "sig-cmd", nil)
	cmd.Receiver = protocol.AnyoneID
	cmd.Group = e.group

	// Same shape but the group itself is broadcast: rejected.
	bad := e.groupMessage(e.alice, "sig-bad", nil)
	bad.Receiver = protocol.AnyoneID
	bad.Group = protocol.EveryoneID

	responses, err := proc.Process(ctx, protocol.NewForwardContent(cmd, bad), nil)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	queued := e.handler.nextMessage()
	require.NotNil(t, queued)
	assert.Equal(t, []byte("sig-cmd"), queued.Signature)
	assert.Nil(t, e.handler.nextMessage())
	assert.Empty(t, e.messenger.processed)
}

func TestForwardProcessorSingleForward(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	proc := NewForwardProcessor(e.handler, e.messenger, e.footprint)

	msg := e.groupMessage(e.alice, "sig-1", nil)
	responses, err := proc.Process(ctx, protocol.NewForwardContent(msg), nil)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.NotNil(t, e.handler.nextMessage())
}

func TestForwardProcessorTooManySecrets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	proc := NewForwardProcessor(e.handler, e.messenger, e.footprint)

	msgs := make([]*protocol.ReliableMessage, limits.MaxSecretsPerForward+1)
	for i := range msgs {
		msgs[i] = e.groupMessage(e.alice, "sig", nil)
	}
	_, err := proc.Process(ctx, protocol.NewForwardContent(msgs...), nil)
	require.ErrorIs(t, err, limits.ErrTooManySecrets)
	assert.Nil(t, e.handler.nextMessage(), "nothing queued on rejection")
}

func TestForwardProcessorFullQueueDropsSecret(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	proc := NewForwardProcessor(e.handler, e.messenger, e.footprint)

	filler := e.groupMessage(e.alice, "sig", nil)
	for i := 0; i < limits.MaxHandlerQueue; i++ {
		require.NoError(t, e.handler.AppendMessage(filler))
	}

	msg := e.groupMessage(e.bob, "sig-dropped", nil)
	responses, err := proc.Process(ctx, protocol.NewForwardContent(msg), nil)
	require.NoError(t, err, "a full queue is not the sender's error")
	require.Len(t, responses, 1)
}
