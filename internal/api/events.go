package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Hikari-project/FD-Reid/internal/api/ws"
	"github.com/Hikari-project/FD-Reid/internal/eventlog"
	"github.com/Hikari-project/FD-Reid/internal/flow"
	"github.com/Hikari-project/FD-Reid/internal/models"
	"github.com/Hikari-project/FD-Reid/internal/queue"
)

// EventHandler returns the consumer callback that feeds published business
// events into the API counters and the WebSocket hub.
func EventHandler(counters *eventlog.Counters, hub *ws.Hub) queue.MessageHandler {
	return func(_ context.Context, msg jetstream.Msg) error {
		var ev models.BusinessEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			// acked: redelivery cannot fix the payload
			slog.Warn("drop malformed business event", "subject", msg.Subject(), "error", err)
			return nil
		}
		ApplyEvent(counters, hub, ev)
		return nil
	}
}

// ApplyEvent counts ev and broadcasts it.
func ApplyEvent(counters *eventlog.Counters, hub *ws.Hub, ev models.BusinessEvent) {
	kind := flow.Kind(ev.EventType)
	switch kind {
	case flow.KindEnter, flow.KindExit, flow.KindPass, flow.KindReEnter:
		counters.Add(kind, ev.ReidID, ev.Timestamp)
	}
	hub.BroadcastEvent(ev)
}
