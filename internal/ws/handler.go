package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loangraph/loansync/internal/domain/loan"
	"golang.org/x/net/websocket"
)

// Subscriber starts live tracking of a scope and keeps it alive until the
// returned release is called.
type Subscriber interface {
	Observe(ctx context.Context, scope loan.Scope) (release func(), err error)
}

type Handler struct {
	hub         *Hub
	subscriber  Subscriber
	views       ViewSource
	logger      *slog.Logger
	subscribeTO time.Duration
}

func NewHandler(hub *Hub, subscriber Subscriber, views ViewSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, subscriber: subscriber, views: views, logger: logger, subscribeTO: 10 * time.Second}
}

type subscribeMessage struct {
	Action  string `json:"action"`
	Pool    string `json:"pool"`
	Account string `json:"account"`
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	websocket.Handler(func(conn *websocket.Conn) {
		client := NewClient(conn)
		go h.writer(client)
		h.reader(c.Request.Context(), client)
	}).ServeHTTP(c.Writer, c.Request)
}

func (h *Handler) reader(ctx context.Context, client *Client) {
	defer func() {
		h.hub.UnsubscribeAll(client)
		client.dropAll()
		client.close()
		_ = client.conn.Close()
	}()

	for {
		var raw string
		if err := websocket.Message.Receive(client.conn, &raw); err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			client.send(errorPayload("invalid_message"))
			continue
		}
		h.handleMessage(ctx, client, msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, client *Client, msg subscribeMessage) {
	action := strings.ToLower(strings.TrimSpace(msg.Action))
	if action != "subscribe" && action != "unsubscribe" {
		client.send(errorPayload("unknown_action"))
		return
	}
	scope, err := loan.ParseScope(msg.Pool, msg.Account)
	if err != nil {
		client.send(errorPayload("invalid_scope"))
		return
	}
	channel := LoansChannel(scope)

	if action == "unsubscribe" {
		h.hub.Unsubscribe(channel, client)
		client.drop(channel)
		return
	}

	if !client.holding(channel) {
		subCtx, cancel := context.WithTimeout(ctx, h.subscribeTO)
		release, err := h.subscriber.Observe(subCtx, scope)
		cancel()
		if err != nil {
			h.logger.Warn("ws subscribe failed", "client_id", client.ID(), "scope", scope.Key(), "err", err)
			client.send(errorPayload("subscribe_failed"))
			return
		}
		client.hold(channel, release)
	}
	h.hub.Subscribe(channel, client)

	if view, ok := h.views.Current(scope); ok {
		if payload, err := loansUpdatedPayload(view); err == nil {
			client.send(payload)
		}
	}
}

func (h *Handler) writer(client *Client) {
	for payload := range client.out {
		if err := websocket.Message.Send(client.conn, string(payload)); err != nil {
			return
		}
	}
}

func errorPayload(code string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"event": "error",
		"data":  map[string]string{"error": code},
	})
	return payload
}
