package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	bufferKeyPrefix     = "renga:stream:buffer:"
	bufferChannelPrefix = "renga:stream:events:"

	// eventEnd is an internal frame marking the end of a run's stream. It is
	// buffered and published but never forwarded to clients.
	eventEnd = "end"
)

// Frame is one buffered stream event. Seq is the frame's position in the
// run's buffer list and is used to dedupe the replay/live handoff when a
// client rejoins mid-stream.
type Frame struct {
	Seq   int64           `json:"seq"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Buffer retains each run's emitted events in a TTL'd Redis list and fans
// them out over pub/sub, so a client that lost its connection can rejoin a
// live or recently finished stream. All methods are nil-receiver safe; a nil
// Buffer disables resumption without burdening callers.
type Buffer struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewBuffer creates a buffer on an existing Redis client.
func NewBuffer(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Buffer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Buffer{client: client, ttl: ttl, logger: logger}
}

// Enabled reports whether resumption is available.
func (b *Buffer) Enabled() bool { return b != nil }

// Append records one frame and publishes it to live subscribers. Buffer
// failures degrade resumption only, so they are logged rather than failing
// the run.
func (b *Buffer) Append(ctx context.Context, runID, event string, data json.RawMessage) {
	if b == nil {
		return
	}
	key := bufferKeyPrefix + runID
	seq, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		b.logger.Warn("reading stream buffer length", "run_id", runID, "error", err)
		seq = 0
	}
	payload, err := json.Marshal(Frame{Seq: seq, Event: event, Data: data})
	if err != nil {
		b.logger.Warn("encoding stream frame", "run_id", runID, "error", err)
		return
	}
	if err := b.client.RPush(ctx, key, payload).Err(); err != nil {
		b.logger.Warn("buffering stream frame", "run_id", runID, "error", err)
		return
	}
	if err := b.client.Expire(ctx, key, b.ttl).Err(); err != nil {
		b.logger.Warn("setting stream buffer ttl", "run_id", runID, "error", err)
	}
	if err := b.client.Publish(ctx, bufferChannelPrefix+runID, payload).Err(); err != nil {
		b.logger.Warn("publishing stream frame", "run_id", runID, "error", err)
	}
}

// End marks the run's stream complete.
func (b *Buffer) End(ctx context.Context, runID string) {
	b.Append(ctx, runID, eventEnd, json.RawMessage("null"))
}

// Stream replays the run's buffered frames and then follows the live stream
// until the end marker, deduping the handoff by frame sequence number. The
// returned channel closes when the stream ends or ctx is done; cleanup must
// be called once the caller is done reading.
func (b *Buffer) Stream(ctx context.Context, runID string) (<-chan Frame, func(), error) {
	if b == nil {
		ch := make(chan Frame)
		close(ch)
		return ch, func() {}, nil
	}

	// Subscribe before reading the list so no frame falls between replay and
	// follow; overlap is resolved by Seq.
	sub := b.client.Subscribe(ctx, bufferChannelPrefix+runID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	items, err := b.client.LRange(ctx, bufferKeyPrefix+runID, 0, -1).Result()
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Frame)
	go func() {
		defer close(out)

		last := int64(-1)
		for _, item := range items {
			var f Frame
			if err := json.Unmarshal([]byte(item), &f); err != nil {
				continue
			}
			if f.Seq > last {
				last = f.Seq
			}
			if f.Event == eventEnd {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var f Frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					continue
				}
				if f.Seq <= last {
					continue
				}
				last = f.Seq
				if f.Event == eventEnd {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
