package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/protocol"
)

// CustomizedHandler serves one app/mod family of customized contents.
type CustomizedHandler interface {
	Handle(ctx context.Context, content *protocol.CustomizedContent, msg *protocol.ReliableMessage) ([]protocol.Content, error)
}

// Registry routes customized contents to the handler registered for their
// app/mod pair. Unroutable contents are answered with a receipt so senders
// know the bot heard them.
type Registry struct {
	mutex    sync.RWMutex
	handlers map[string]CustomizedHandler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]CustomizedHandler)}
}

// Register binds handler to the app/mod pair, replacing any previous one.
func (r *Registry) Register(app, mod string, handler CustomizedHandler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handlers[app+"/"+mod] = handler
}

func (r *Registry) lookup(app, mod string) CustomizedHandler {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.handlers[app+"/"+mod]
}

// Process routes one customized content and returns the responses.
func (r *Registry) Process(ctx context.Context, content *protocol.CustomizedContent, msg *protocol.ReliableMessage) ([]protocol.Content, error) {
	handler := r.lookup(content.App, content.Mod)
	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"app": content.App,
			"mod": content.Mod,
			"act": content.Act,
		}).Warn("registry: unsupported customized content")
		text := fmt.Sprintf("Customized content (app: %s, mod: %s, act: %s) not supported yet!",
			content.App, content.Mod, content.Act)
		return []protocol.Content{protocol.ReceiptFor(text, msg, content)}, nil
	}
	return handler.Handle(ctx, content, msg)
}
