// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast publishes commit records over NATS.
//
// Each successful commit is published once to "<prefix>.commits" as the
// binary CommitRecord encoding, with no headers. Subscribers decode with
// commit.DecodeRecord or use Subscribe.
//
// Delivery is core NATS: at most once, no replay. Consumers that need
// every commit read the commit log from the store instead.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/commit"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrClosed is returned by HandleCommit after Close.
var ErrClosed = errors.New("broadcaster closed")

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stampvc",
	Subsystem: "broadcast",
	Name:      "records_total",
	Help:      "Commit records handed to NATS, by result",
}, []string{"result"})

// Conn is the part of *nats.Conn the broadcaster uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	FlushTimeout(timeout time.Duration) error
	IsClosed() bool
}

// Subject returns the commit subject for prefix.
func Subject(prefix string) string {
	return prefix + ".commits"
}

// Broadcaster is a commit.CommitListener that publishes to NATS.
//
// # Thread Safety
//
// Safe for concurrent use. nats.Conn serializes publishes internally.
type Broadcaster struct {
	conn    Conn
	owned   *nats.Conn
	subject string
	logger  *slog.Logger
}

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn Conn, prefix string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		conn:    conn,
		subject: Subject(prefix),
		logger:  logger.With("component", "broadcast.Broadcaster"),
	}
}

// Connect dials url and returns a Broadcaster that owns the connection.
//
// # Description
//
// The connection reconnects indefinitely with a two second wait.
// Disconnects and reconnects are logged. Close drains and closes it.
//
// # Outputs
//
//   - *Broadcaster: Ready to register with commit.Service.AddCommitListener.
//   - error: Non-nil if the initial connection fails.
func Connect(url, prefix string, logger *slog.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "broadcast.Broadcaster")
	nc, err := nats.Connect(url,
		nats.Name("stampvc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b := New(nc, prefix, logger)
	b.owned = nc
	return b, nil
}

// ListenerName implements commit.CommitListener.
func (b *Broadcaster) ListenerName() string {
	return "broadcast"
}

// Subject returns the subject records are published to.
func (b *Broadcaster) Subject() string {
	return b.subject
}

// HandleCommit publishes rec. A publish failure is returned to the commit
// pipeline, which logs it; the commit itself is unaffected.
func (b *Broadcaster) HandleCommit(_ context.Context, rec commit.CommitRecord) error {
	if b.conn.IsClosed() {
		published.WithLabelValues("closed").Inc()
		return ErrClosed
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		published.WithLabelValues("error").Inc()
		return fmt.Errorf("encode commit record: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		published.WithLabelValues("error").Inc()
		return fmt.Errorf("publish to %s: %w", b.subject, err)
	}
	published.WithLabelValues("ok").Inc()
	b.logger.Debug("commit record published",
		"subject", b.subject,
		"commit_time", rec.CommitTime,
		"stamps", len(rec.StampSequences),
	)
	return nil
}

// Subscribe calls fn for every record published under b's subject.
// Messages that do not decode are logged and skipped.
func (b *Broadcaster) Subscribe(fn func(commit.CommitRecord)) (*nats.Subscription, error) {
	return b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		rec, err := commit.DecodeRecord(msg.Data)
		if err != nil {
			b.logger.Warn("dropping undecodable commit record", "subject", msg.Subject, "error", err)
			return
		}
		fn(rec)
	})
}

// Flush waits until the server has processed every pending publish.
func (b *Broadcaster) Flush(timeout time.Duration) error {
	return b.conn.FlushTimeout(timeout)
}

// Close drains and closes the connection if Connect created it.
func (b *Broadcaster) Close() error {
	if b.owned == nil || b.owned.IsClosed() {
		return nil
	}
	if err := b.owned.Drain(); err != nil {
		b.owned.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
