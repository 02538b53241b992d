package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/loangraph/loansync/internal/domain/loan"
	"github.com/loangraph/loansync/internal/store"
)

const EventLoansUpdated = "loans_updated"

// ViewSource exposes derived loan views and change notifications.
type ViewSource interface {
	Current(scope loan.Scope) (store.View, bool)
	Watch(fn func(loan.Scope)) func()
}

// Notifier pushes the derived view of a scope to its channel after every
// accepted store mutation.
type Notifier struct {
	views  ViewSource
	hub    *Hub
	logger *slog.Logger
}

func NewNotifier(views ViewSource, hub *Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{views: views, hub: hub, logger: logger}
}

// Start registers the notifier with the store; the returned func stops it.
func (n *Notifier) Start() func() {
	return n.views.Watch(n.Publish)
}

// Publish sends the current view of scope to its subscribers, if any.
func (n *Notifier) Publish(scope loan.Scope) {
	channel := LoansChannel(scope)
	if !n.hub.HasSubscribers(channel) {
		return
	}
	view, ok := n.views.Current(scope)
	if !ok {
		return
	}
	payload, err := loansUpdatedPayload(view)
	if err != nil {
		n.logger.Error("encode loans update", "scope", scope.Key(), "err", err)
		return
	}
	n.hub.Publish(channel, payload)
}

func LoansChannel(scope loan.Scope) string {
	return "loans:" + scope.Key()
}

func loansUpdatedPayload(view store.View) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": EventLoansUpdated,
		"data":  view,
	})
}
