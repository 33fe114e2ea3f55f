package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
	"github.com/Hikari-project/FD-Reid/internal/models"
)

func startServer(t *testing.T) string {
	t.Helper()
	ns, err := StartEmbedded(0, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestPublishAndConsumeEvents(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := NewProducer(url)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.EnsureStreams(ctx))
	require.NoError(t, p.Ping())

	c, err := NewConsumer(url)
	require.NoError(t, err)
	defer c.Close()

	got := make(chan models.BusinessEvent, 4)
	err = c.ConsumeEvents(ctx, "test-api", func(_ context.Context, msg jetstream.Msg) error {
		var ev models.BusinessEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			return err
		}
		assert.Equal(t, EventsSubjectBase+".cam1", msg.Subject())
		got <- ev
		return nil
	})
	require.NoError(t, err)

	ev := models.BusinessEvent{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		EventType: "enter",
		TrackID:   3,
		ReidID:    7,
		CameraID:  "cam1",
	}
	require.NoError(t, p.PublishEvent(ctx, ev))
	// same id: dropped by the server's duplicate window
	require.NoError(t, p.PublishEvent(ctx, ev))

	select {
	case recv := <-got:
		assert.Equal(t, ev.ID, recv.ID)
		assert.Equal(t, int64(7), recv.ReidID)
		assert.True(t, ev.Timestamp.Equal(recv.Timestamp))
	case <-time.After(10 * time.Second):
		t.Fatal("event not delivered")
	}

	depth, err := p.StreamDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), depth)
}

var errBusy = errors.New("source busy")

func TestControlRequestReply(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(url)
	require.NoError(t, err)
	defer c.Close()

	var (
		mu   sync.Mutex
		seen []models.ControlCommand
	)
	handler := func(_ context.Context, cmd models.ControlCommand) error {
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		switch cmd.Action {
		case models.ControlZone:
			return fmt.Errorf("%w: bad polygon", geometry.ErrInvalidZone)
		case models.ControlStop:
			return errBusy
		}
		return nil
	}
	require.NoError(t, c.ServeControl(ctx, handler, nil))

	p, err := NewProducer(url)
	require.NoError(t, err)
	defer p.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()

	reply, err := p.SendControl(reqCtx, models.ControlCommand{Action: models.ControlStart, SourceID: "cam1", URL: "rtsp://x"})
	require.NoError(t, err)
	assert.True(t, reply.OK)

	reply, err = p.SendControl(reqCtx, models.ControlCommand{Action: models.ControlZone, SourceID: "cam1"})
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, models.ReplyBadRequest, reply.Code)
	assert.Contains(t, reply.Error, "bad polygon")

	reply, err = p.SendControl(reqCtx, models.ControlCommand{Action: models.ControlStop, SourceID: "cam1"})
	require.NoError(t, err)
	assert.Equal(t, models.ReplyFailed, reply.Code)

	msg, err := p.nc.Request(ControlSubject, []byte("{"), 5*time.Second)
	require.NoError(t, err)
	var bad models.ControlReply
	require.NoError(t, json.Unmarshal(msg.Data, &bad))
	assert.Equal(t, models.ReplyBadRequest, bad.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, "rtsp://x", seen[0].URL)
}

func TestSendControlWithoutWorker(t *testing.T) {
	url := startServer(t)

	p, err := NewProducer(url)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.SendControl(ctx, models.ControlCommand{Action: models.ControlStop, SourceID: "cam1"})
	assert.Error(t, err)
}
