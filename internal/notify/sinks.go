package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSink publishes each message as JSON on <prefix>.user.<recipient>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, prefix string, log zerolog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-approval-workflows"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if prefix == "" {
		prefix = "notifications.approvals"
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the per-user subject.
func (s *NATSSink) Subject(recipient string) string {
	return s.prefix + ".user." + recipient
}

func (s *NATSSink) Push(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(msg.Recipient), data)
}

// Close drains pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// RedisSink publishes each message as JSON on the recipient's channel
// user_<recipient>_notifications.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink creates a sink and verifies the server answers.
func NewRedisSink(ctx context.Context, addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSink{client: client}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the per-user channel name.
func Channel(recipient string) string {
	return "user_" + recipient + "_notifications"
}

func (s *RedisSink) Push(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return s.client.Publish(ctx, Channel(msg.Recipient), data).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// LogSink writes messages to the log. Used when no transport is configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Push(_ context.Context, msg Message) error {
	ev := s.log.Info().
		Str("recipient", msg.Recipient).
		Str("kind", string(msg.Kind))
	if msg.Task != nil {
		ev = ev.Str("task_id", msg.Task.ID)
	}
	ev.Msg(msg.Text)
	return nil
}

// Tee pushes every message to all of its sinks. Every sink is attempted;
// the returned error joins the individual failures.
type Tee struct {
	sinks []Sink
}

func NewTee(sinks ...Sink) *Tee {
	return &Tee{sinks: sinks}
}

func (t *Tee) Name() string {
	names := make([]string, 0, len(t.sinks))
	for _, s := range t.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (t *Tee) Push(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range t.sinks {
		if err := s.Push(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
