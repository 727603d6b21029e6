package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/protocol"
)

// Wakeuper marks a user for a delivery attempt. Satisfied by the fan-out
// distributor.
type Wakeuper interface {
	WakeupUser(id protocol.ID)
}

// Assistant is the group bot's chat surface. It only logs chatter addressed
// to it; its real job is waking the distributor when a vanished member
// reappears, so parked messages reach them.
type Assistant struct {
	distributor Wakeuper
}

// NewAssistant wires the assistant bot.
func NewAssistant(distributor Wakeuper) *Assistant {
	return &Assistant{distributor: distributor}
}

// HandleText logs a chat message; the assistant holds no conversations.
func (a *Assistant) HandleText(ctx context.Context, content *protocol.TextContent, req Request) error {
	logrus.WithFields(logrus.Fields{
		"sender": req.Sender().String(),
		"text":   content.Text,
	}).Info("assistant: received text message")
	return nil
}

// HandleFile logs a file attachment.
func (a *Assistant) HandleFile(ctx context.Context, content *protocol.FileContent, req Request) error {
	logrus.WithFields(logrus.Fields{
		"sender":   req.Sender().String(),
		"filename": content.Filename,
	}).Info("assistant: received file")
	return nil
}

// HandleNewUser wakes the distributor so messages parked for the user go
// out.
func (a *Assistant) HandleNewUser(ctx context.Context, id protocol.ID) error {
	a.distributor.WakeupUser(id)
	return nil
}
