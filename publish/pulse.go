package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// updateEvent is the event name every task update is published under.
const updateEvent = "task_update"

type (
	// PulseOptions configures the Redis-backed publisher.
	PulseOptions struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per channel. Zero uses the Pulse
		// default.
		StreamMaxLen int
	}

	// Pulse publishes updates onto per-tenant Pulse streams over Redis.
	// Stream handles are created lazily and cached per channel.
	Pulse struct {
		rdb    *redis.Client
		maxLen int

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}
)

// NewPulse constructs the Redis-backed publisher.
func NewPulse(opts PulseOptions) (*Pulse, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Pulse{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

var _ Publisher = (*Pulse)(nil)

// Publish JSON-encodes the payload and appends it to the channel's stream.
func (p *Pulse) Publish(ctx context.Context, channel string, payload any) error {
	if channel == "" {
		return errors.New("channel is required")
	}
	stream, err := p.stream(channel)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if _, err := stream.Add(ctx, updateEvent, raw); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches a consumer group to the channel and returns its event
// feed. Callers own the sink and must close it.
func (p *Pulse) Subscribe(ctx context.Context, channel, consumer string) (*streaming.Sink, error) {
	stream, err := p.stream(channel)
	if err != nil {
		return nil, err
	}
	return stream.NewSink(ctx, consumer)
}

func (p *Pulse) stream(channel string) (*streaming.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.streams[channel]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if p.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(p.maxLen))
	}
	// Pulse stream names are restricted to word characters and dashes.
	name := strings.ReplaceAll(channel, ":", "-")
	s, err := streaming.NewStream(name, p.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", channel, err)
	}
	p.streams[channel] = s
	return s, nil
}
