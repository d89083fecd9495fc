package mgmt

import (
	"context"
	"time"

	"github.com/motivemetrics/zerog/pkg/queue"
)

// UpdatesTube is the shared tube carrying job and info messages from every
// worker to any interested manager.
const UpdatesTube = "updates"

// msgTTR bounds how long a reserved management message stays leased before
// the broker hands it to another consumer.
const msgTTR = 2 * time.Minute

// Channel binds one tube to the management message codec: SendMsg produces
// onto the tube, GetMsg consumes from it.
type Channel struct {
	q    queue.Queue
	tube string
}

func NewChannel(q queue.Queue, tube string) *Channel {
	return &Channel{q: q, tube: tube}
}

func (c *Channel) Tube() string { return c.tube }

// Attach registers this channel as a consumer of its tube, keeping the tube
// alive broker-side.
func (c *Channel) Attach(ctx context.Context) error {
	return c.q.Watch(ctx, c.tube)
}

// Detach releases the tube so the broker can garbage-collect it once no
// other consumer watches it.
func (c *Channel) Detach(ctx context.Context) error {
	return c.q.Ignore(ctx, c.tube)
}

// SendMsg JSON-encodes msg and puts it on the tube.
func (c *Channel) SendMsg(ctx context.Context, msg Msg) error {
	body, err := EncodeMsg(msg)
	if err != nil {
		return err
	}
	_, err = c.q.Put(ctx, c.tube, body, 0, msgTTR)
	return err
}

// GetMsg consumes one message without blocking. It returns (nil, nil) when
// the tube is empty. Malformed messages are logged, deleted, and skipped;
// decoding never aborts the caller.
func (c *Channel) GetMsg(ctx context.Context) (Msg, error) {
	for {
		reserved, err := c.q.Reserve(ctx, c.tube, 0)
		if err != nil {
			return nil, err
		}
		if reserved == nil {
			return nil, nil
		}

		msg, decodeErr := DecodeMsg(reserved.Body)
		if err := c.q.Delete(ctx, reserved.ID); err != nil {
			log.Warnw("deleting consumed message", "tube", c.tube, "error", err)
		}
		if decodeErr != nil {
			log.Warnw("dropping malformed message", "tube", c.tube, "error", decodeErr)
			continue
		}
		return msg, nil
	}
}

// Empty drains and discards every message on the tube.
func (c *Channel) Empty(ctx context.Context) error {
	for {
		reserved, err := c.q.Reserve(ctx, c.tube, 0)
		if err != nil {
			return err
		}
		if reserved == nil {
			return nil
		}
		if err := c.q.Delete(ctx, reserved.ID); err != nil {
			return err
		}
	}
}

// ListAllQueues returns every tube the broker knows about.
func (c *Channel) ListAllQueues(ctx context.Context) ([]string, error) {
	return c.q.ListTubes(ctx)
}

// GetNamedQueueWatchers reports how many consumers watch tube.
func (c *Channel) GetNamedQueueWatchers(ctx context.Context, tube string) (int, error) {
	stats, err := c.q.StatsTube(ctx, tube)
	if err != nil {
		return 0, err
	}
	return stats.Watching, nil
}
