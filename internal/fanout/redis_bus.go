package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannel      = "collab:updates"
	redisDialTimeout    = 5 * time.Second
	redisStartupTimeout = 5 * time.Second
)

// RedisConfig configures the redis pub/sub bus.
type RedisConfig struct {
	URL     string
	Channel string
	Logger  *zap.Logger
}

type redisBus struct {
	logger  *zap.Logger
	client  *goredis.Client
	channel string
}

// NewRedisBus connects to redis and verifies the connection. All instances
// share one channel; envelopes are filtered by document id on receipt.
func NewRedisBus(cfg RedisConfig) (Bus, error) {
	rawURL := strings.TrimSpace(cfg.URL)
	if rawURL == "" {
		return nil, errors.New("fanout: redis url is required")
	}
	options, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fanout: parse redis url: %w", err)
	}
	options.DialTimeout = redisDialTimeout
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := goredis.NewClient(options)
	ctx, cancel := context.WithTimeout(context.Background(), redisStartupTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("fanout: redis ping: %w", err)
	}
	return &redisBus{logger: logger, client: client, channel: channel}, nil
}

func (b *redisBus) Publish(ctx context.Context, envelope Envelope) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBusDown, err)
	}
	return nil
}

func (b *redisBus) StartForwarder(ctx context.Context, onMessage func(Envelope)) error {
	if onMessage == nil {
		return errors.New("fanout: message callback is required")
	}
	subscription := b.client.Subscribe(ctx, b.channel)
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return fmt.Errorf("fanout: redis subscribe: %w", err)
	}

	go func() {
		messages := subscription.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = subscription.Close()
				return
			case message, ok := <-messages:
				if !ok || message == nil {
					_ = subscription.Close()
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
					b.logger.Warn("bad fan-out payload", zap.Error(err))
					continue
				}
				onMessage(envelope)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	return b.client.Close()
}
