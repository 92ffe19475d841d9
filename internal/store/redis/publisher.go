// Package redis mirrors journaled trigger events to redis pub/sub for
// external consumers (dashboards, notification workers). The mirror is best
// effort and runs behind a circuit breaker: the journal is the ground truth,
// so a dead broker must never slow the trigger path down.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"tickalert/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// triggerChannel is the pub/sub channel trigger events are published on.
	triggerChannel = "triggers"

	// latestTTL bounds how long per-rule latest-trigger keys live.
	latestTTL = 24 * time.Hour

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// Config configures the publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes trigger events to redis. Implements bus.Publisher.
type Publisher struct {
	client  *goredis.Client
	breaker *Breaker
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := &Publisher{
		client:  client,
		breaker: NewBreaker(breakerMaxFailures, breakerResetTimeout),
	}
	p.breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] breaker %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return p, nil
}

// Publish mirrors one event: PUBLISH on the shared trigger channel plus a
// SET of the rule's latest trigger with a TTL, pipelined into one roundtrip.
func (p *Publisher) Publish(ctx context.Context, ev model.TriggerEvent) error {
	payload := string(ev.JSON())
	latestKey := "trigger:latest:" + string(ev.RuleID)

	return p.breaker.Do(func() error {
		pipe := p.client.Pipeline()
		pipe.Publish(ctx, triggerChannel, payload)
		pipe.Set(ctx, latestKey, payload, latestTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// BreakerState exposes the breaker state for health reporting.
func (p *Publisher) BreakerState() State {
	return p.breaker.CurrentState()
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
