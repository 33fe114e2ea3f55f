package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
	"github.com/Hikari-project/FD-Reid/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

// ControlHandler applies one control command.
type ControlHandler func(ctx context.Context, cmd models.ControlCommand) error

// Classify maps a control handler error to a reply code.
type Classify func(err error) string

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeEvents starts consuming business events (for the API to
// broadcast via WebSocket). Only events published after the consumer is
// created are delivered.
func (c *Consumer) ConsumeEvents(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, EventsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: EventsSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(2*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process event error", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

// ServeControl answers control requests until ctx ends. Malformed
// commands are answered with code "bad_request". classify defaults to
// ClassifyZoneErrors.
func (c *Consumer) ServeControl(ctx context.Context, handler ControlHandler, classify Classify) error {
	if classify == nil {
		classify = ClassifyZoneErrors
	}
	sub, err := c.nc.Subscribe(ControlSubject, func(msg *nats.Msg) {
		reply := models.ControlReply{OK: true}

		var cmd models.ControlCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			reply = models.ControlReply{Error: err.Error(), Code: models.ReplyBadRequest}
		} else if err := handler(ctx, cmd); err != nil {
			slog.Warn("control command failed", "action", cmd.Action, "source", cmd.SourceID, "error", err)
			reply = models.ControlReply{Error: err.Error(), Code: classify(err)}
		}

		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			slog.Warn("respond to control", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ControlSubject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	slog.Info("control subscriber started", "subject", ControlSubject)
	return nil
}

// ClassifyZoneErrors reports invalid zone configurations as bad requests
// and everything else as a server-side failure.
func ClassifyZoneErrors(err error) string {
	if errors.Is(err, geometry.ErrInvalidZone) {
		return models.ReplyBadRequest
	}
	return models.ReplyFailed
}

func (c *Consumer) Close() {
	c.nc.Close()
}
