// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package natssink publishes notification records as JSON messages on NATS.
package natssink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	publisher "github.com/edgeo-scada/publisher"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "opcua"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type flusher interface {
	FlushTimeout(timeout time.Duration) error
}

// Option configures a Sink.
type Option func(*Sink)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(s *Sink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithFlushTimeout flushes the connection after each batch when the
// publisher supports it. Zero disables flushing.
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Sink) {
		s.flushTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// Sink is a publisher.Dispatcher writing one NATS message per record on
// subject <prefix>.<connection>.<subscription>.<item>.
type Sink struct {
	conn         Publisher
	prefix       string
	flushTimeout time.Duration
	logger       *slog.Logger
}

var (
	_ publisher.Dispatcher         = (*Sink)(nil)
	_ publisher.MetaDataDispatcher = (*Sink)(nil)
)

// New creates a sink publishing through conn.
func New(conn Publisher, opts ...Option) (*Sink, error) {
	if conn == nil {
		return nil, errors.New("natssink: publisher cannot be nil")
	}
	s := &Sink{
		conn:   conn,
		prefix: DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect dials NATS with reconnects enabled and connection events logged.
func Connect(url, name string, logger *slog.Logger, opts ...nats.Option) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	base := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("natssink: connect %s: %w", url, err)
	}
	return nc, nil
}

// Dispatch publishes every record. Publishing continues past individual
// failures and the joined error is returned.
func (s *Sink) Dispatch(ctx context.Context, id publisher.SubscriptionIdentifier, records []publisher.NotificationRecord) error {
	var errs []error
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		data, err := json.Marshal(NewMessage(id, r))
		if err != nil {
			errs = append(errs, fmt.Errorf("natssink: encode %s: %w", r.ItemID, err))
			continue
		}
		subject := s.Subject(id, r)
		if err := s.conn.Publish(subject, data); err != nil {
			errs = append(errs, fmt.Errorf("natssink: publish %s: %w", subject, err))
		}
	}

	if f, ok := s.conn.(flusher); ok && s.flushTimeout > 0 && len(records) > 0 {
		if err := f.FlushTimeout(s.flushTimeout); err != nil {
			errs = append(errs, fmt.Errorf("natssink: flush: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Debug("records published",
		slog.String("subscription", id.Name()),
		slog.Int("count", len(records)))
	return nil
}

// DispatchMetaData publishes the data set metadata of a subscription.
func (s *Sink) DispatchMetaData(ctx context.Context, id publisher.SubscriptionIdentifier, md publisher.DataSetMetaData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewMetaDataMessage(id, md))
	if err != nil {
		return fmt.Errorf("natssink: encode metadata: %w", err)
	}
	subject := s.MetaDataSubject(id)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natssink: publish %s: %w", subject, err)
	}
	if f, ok := s.conn.(flusher); ok && s.flushTimeout > 0 {
		if err := f.FlushTimeout(s.flushTimeout); err != nil {
			return fmt.Errorf("natssink: flush: %w", err)
		}
	}
	return nil
}

// metaDataToken cannot collide with an item token, which never holds "$".
const metaDataToken = "$metadata"

var subjectReplacer = strings.NewReplacer(
	".", "_", ";", "_", "=", "_", " ", "_",
	"*", "_", ">", "_", "/", "_", ":", "_",
	"$", "_",
)

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectReplacer.Replace(s)
}

// Subject returns the subject a record is published on. The connection token
// is the endpoint address without its scheme.
func (s *Sink) Subject(id publisher.SubscriptionIdentifier, r publisher.NotificationRecord) string {
	return s.subscriptionSubject(id) + "." + subjectToken(r.ItemID)
}

// MetaDataSubject returns the subject the metadata of a subscription is
// published on.
func (s *Sink) MetaDataSubject(id publisher.SubscriptionIdentifier) string {
	return s.subscriptionSubject(id) + "." + metaDataToken
}

func (s *Sink) subscriptionSubject(id publisher.SubscriptionIdentifier) string {
	conn := id.Connection().EndpointURL()
	if i := strings.Index(conn, "://"); i >= 0 {
		conn = conn[i+3:]
	}
	return s.prefix + "." + subjectToken(conn) + "." + subjectToken(id.Name())
}
