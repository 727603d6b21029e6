package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dimgroup/protocol"
)

func receiptText(t *testing.T, responses []protocol.Content) string {
	t.Helper()
	require.Len(t, responses, 1)
	receipt, ok := responses[0].(*protocol.ReceiptContent)
	require.True(t, ok, "expected a receipt, got %T", responses[0])
	return receipt.Text
}

func TestKeyCommandUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	update := protocol.NewKeyUpdate(e.group, e.alice, wrappedKeys("gen-1", e.bob, e.carol))
	msg := e.commandMessage(e.alice, "sig-up")

	responses, err := kc.Handle(ctx, update, msg)
	require.NoError(t, err)
	assert.Equal(t, "Group keys updated.", receiptText(t, responses))

	table, err := e.keys.Load(ctx, e.group, e.alice)
	require.NoError(t, err)
	assert.Equal(t, "gen-1", table.Digest())
	assert.Equal(t, "wk-bob", table.Key(e.bob))
	assert.Equal(t, "wk-carol", table.Key(e.carol))

	// Replaying the identical table changes nothing.
	responses, err = kc.Handle(ctx, update, msg)
	require.NoError(t, err)
	assert.Equal(t, "Failed to update group keys.", receiptText(t, responses))
}

func TestKeyCommandPatchThenRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	// Alice first uploads a table missing carol, then patches it after
	// the bot queried the gap.
	first := protocol.NewKeyUpdate(e.group, e.alice, wrappedKeys("gen-1", e.bob))
	_, err := kc.Handle(ctx, first, e.commandMessage(e.alice, "sig-1"))
	require.NoError(t, err)

	patch := protocol.NewKeyUpdate(e.group, e.alice, wrappedKeys("gen-1", e.carol))
	responses, err := kc.Handle(ctx, patch, e.commandMessage(e.alice, "sig-2"))
	require.NoError(t, err)
	assert.Equal(t, "Group keys updated.", receiptText(t, responses))

	// The merged table serves both members now.
	request := protocol.NewKeyRequest(e.group, e.alice, "")
	responses, err = kc.Handle(ctx, request, e.commandMessage(e.carol, "sig-3"))
	require.NoError(t, err)
	require.Len(t, responses, 1)
	respond, ok := responses[0].(*protocol.CustomizedContent)
	require.True(t, ok, "expected a key respond, got %T", responses[0])
	assert.Equal(t, protocol.KeyActRespond, respond.Act)
	assert.Equal(t, e.group, respond.Group())
	assert.Equal(t, e.alice.String(), respond.GetString("from"))

	table := respond.GetTable("keys")
	assert.Equal(t, "wk-carol", table[e.carol.String()])
	assert.Equal(t, "gen-1", table[protocol.KeyTableDigest])
	assert.NotContains(t, table, e.bob.String(), "only the requester's key is served")
}

func TestKeyCommandRotationDropsStaleMembers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	gen1 := protocol.NewKeyUpdate(e.group, e.alice, wrappedKeys("gen-1", e.bob, e.carol))
	_, err := kc.Handle(ctx, gen1, e.commandMessage(e.alice, "sig-1"))
	require.NoError(t, err)

	// Rotation: a new digest replaces the table outright.
	gen2 := protocol.NewKeyUpdate(e.group, e.alice, wrappedKeys("gen-2", e.carol))
	responses, err := kc.Handle(ctx, gen2, e.commandMessage(e.alice, "sig-2"))
	require.NoError(t, err)
	assert.Equal(t, "Group keys updated.", receiptText(t, responses))

	request := protocol.NewKeyRequest(e.group, e.alice, "")
	responses, err = kc.Handle(ctx, request, e.commandMessage(e.bob, "sig-3"))
	require.NoError(t, err)
	assert.Equal(t, "Failed to get group key.", receiptText(t, responses))

	responses, err = kc.Handle(ctx, request, e.commandMessage(e.carol, "sig-4"))
	require.NoError(t, err)
	respond, ok := responses[0].(*protocol.CustomizedContent)
	require.True(t, ok)
	assert.Equal(t, "gen-2", respond.GetTable("keys")[protocol.KeyTableDigest])
}

func TestKeyCommandQueryActsLikeRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	update := protocol.NewKeyUpdate(e.group, e.alice, wrappedKeys("gen-1", e.bob))
	_, err := kc.Handle(ctx, update, e.commandMessage(e.alice, "sig-1"))
	require.NoError(t, err)

	query := protocol.NewKeyQuery(e.group, e.alice, "gen-1", []protocol.ID{e.bob})
	responses, err := kc.Handle(ctx, query, e.commandMessage(e.bob, "sig-2"))
	require.NoError(t, err)
	respond, ok := responses[0].(*protocol.CustomizedContent)
	require.True(t, ok)
	assert.Equal(t, "wk-bob", respond.GetTable("keys")[e.bob.String()])
}

func TestKeyCommandRequestWithoutSender(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	request := protocol.NewCustomizedContent(protocol.GroupApp, protocol.GroupKeysMod, protocol.KeyActRequest)
	request.SetGroup(e.group)

	responses, err := kc.Handle(ctx, request, e.commandMessage(e.bob, "sig-1"))
	require.NoError(t, err)
	assert.Equal(t, "Failed to get group keys sender.", receiptText(t, responses))
}

func TestKeyCommandMalformedTable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	update := protocol.NewCustomizedContent(protocol.GroupApp, protocol.GroupKeysMod, protocol.KeyActUpdate)
	update.SetGroup(e.group)
	update.Set("from", e.alice.String())
	update.Set("keys", "not a table")

	responses, err := kc.Handle(ctx, update, e.commandMessage(e.alice, "sig-1"))
	require.NoError(t, err)
	assert.Equal(t, "Group keys error, failed to update.", receiptText(t, responses))
}

func TestKeyCommandUnexpectedAct(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	content := protocol.NewCustomizedContent(protocol.GroupApp, protocol.GroupKeysMod, "dance")
	content.SetGroup(e.group)

	responses, err := kc.Handle(ctx, content, e.commandMessage(e.alice, "sig-1"))
	require.NoError(t, err)
	assert.Equal(t, `Unexpected command: "dance"`, receiptText(t, responses))
}

func TestKeyCommandRequiresConcreteGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	kc := NewKeyCommandHandler(e.keys, nil)

	content := protocol.NewCustomizedContent(protocol.GroupApp, protocol.GroupKeysMod, protocol.KeyActUpdate)
	_, err := kc.Handle(ctx, content, e.commandMessage(e.alice, "sig-1"))
	require.Error(t, err)

	content.SetGroup(protocol.EveryoneID)
	_, err = kc.Handle(ctx, content, e.commandMessage(e.alice, "sig-2"))
	require.Error(t, err)
}
