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

// Package uaclient opens publisher sessions on OPC UA servers with gopcua.
package uaclient

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gopcua/opcua"

	publisher "github.com/edgeo-scada/publisher"
)

// Default factory settings.
const (
	DefaultApplicationURI    = "urn:edgeo-scada:opcua-publisher"
	DefaultRequestTimeout    = 10 * time.Second
	DefaultSessionTimeout    = 30 * time.Minute
	DefaultNotificationQueue = 256
)

// Option configures a Factory.
type Option func(*factoryOptions)

type factoryOptions struct {
	applicationURI    string
	requestTimeout    time.Duration
	sessionTimeout    time.Duration
	autoReconnect     bool
	reconnectInterval time.Duration
	notificationQueue int
	logger            *slog.Logger
}

func defaultFactoryOptions() *factoryOptions {
	return &factoryOptions{
		applicationURI:    DefaultApplicationURI,
		requestTimeout:    DefaultRequestTimeout,
		sessionTimeout:    DefaultSessionTimeout,
		notificationQueue: DefaultNotificationQueue,
		logger:            slog.Default(),
	}
}

// WithApplicationURI sets the client application URI.
func WithApplicationURI(uri string) Option {
	return func(o *factoryOptions) {
		o.applicationURI = uri
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *factoryOptions) {
		o.requestTimeout = d
	}
}

// WithSessionTimeout sets the requested session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *factoryOptions) {
		o.sessionTimeout = d
	}
}

// WithAutoReconnect lets gopcua restore the channel and subscriptions after
// transient failures. With it disabled, failures surface through the pool's
// health check instead.
func WithAutoReconnect(enabled bool, interval time.Duration) Option {
	return func(o *factoryOptions) {
		o.autoReconnect = enabled
		o.reconnectInterval = interval
	}
}

// WithNotificationQueue sets the buffer size of each subscription's notification channel.
func WithNotificationQueue(n int) Option {
	return func(o *factoryOptions) {
		if n > 0 {
			o.notificationQueue = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *factoryOptions) {
		o.logger = logger
	}
}

// Factory is a publisher.SessionFactory that connects with gopcua.
type Factory struct {
	opts *factoryOptions
}

var _ publisher.SessionFactory = (*Factory)(nil)

// NewFactory creates a session factory.
func NewFactory(opts ...Option) *Factory {
	options := defaultFactoryOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Factory{opts: options}
}

// Open connects to the primary endpoint of key, falling back to each
// alternative URL in order.
func (f *Factory) Open(ctx context.Context, key publisher.ConnectionKey) (publisher.Session, error) {
	d := key.Descriptor()
	urls := append([]string{d.EndpointURL}, d.AlternativeURLs...)

	var errs []error
	for _, url := range urls {
		c, err := f.connect(ctx, url, d)
		if err == nil {
			f.opts.logger.Info("connected",
				slog.String("endpoint", url),
				slog.String("security_mode", d.SecurityMode.String()))
			return newSession(c, key, f.opts.notificationQueue, f.opts.logger), nil
		}
		f.opts.logger.Warn("connect failed",
			slog.String("endpoint", url),
			slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("%s: %w", url, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (f *Factory) connect(ctx context.Context, url string, d publisher.ConnectionDescriptor) (*opcua.Client, error) {
	opts, err := f.clientOptions(d)
	if err != nil {
		return nil, err
	}

	endpoints, err := opcua.GetEndpoints(ctx, url, opcua.RequestTimeout(f.opts.requestTimeout))
	if err != nil {
		return nil, statusError(publisher.ServiceGetEndpoints, err)
	}
	ep, err := selectEndpoint(endpoints, d)
	if err != nil {
		return nil, err
	}
	f.opts.logger.Debug("endpoint selected",
		slog.String("endpoint", url),
		slog.String("policy", ep.SecurityPolicyURI),
		slog.String("mode", ep.SecurityMode.String()),
		slog.Int("security_level", int(ep.SecurityLevel)))
	opts = append(opts, opcua.SecurityFromEndpoint(ep, toUATokenType(d.Credential.Type)))

	c, err := opcua.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, statusError(publisher.ServiceActivateSession, err)
	}
	return c, nil
}

// clientOptions builds every option except the endpoint security, which
// comes from the endpoint selected at connect time.
func (f *Factory) clientOptions(d publisher.ConnectionDescriptor) ([]opcua.Option, error) {
	opts := []opcua.Option{
		opcua.ApplicationURI(f.opts.applicationURI),
		opcua.RequestTimeout(f.opts.requestTimeout),
		opcua.SessionTimeout(f.opts.sessionTimeout),
		opcua.AutoReconnect(f.opts.autoReconnect),
	}
	if f.opts.autoReconnect && f.opts.reconnectInterval > 0 {
		opts = append(opts, opcua.ReconnectInterval(f.opts.reconnectInterval))
	}

	cred := d.Credential
	var (
		cert []byte
		key  *rsa.PrivateKey
	)
	if cred.CertificateFile != "" && cred.PrivateKeyFile != "" {
		var err error
		if cert, err = loadCertificate(cred.CertificateFile); err != nil {
			return nil, err
		}
		if key, err = loadPrivateKey(cred.PrivateKeyFile); err != nil {
			return nil, err
		}
		opts = append(opts, opcua.Certificate(cert), opcua.PrivateKey(key))
	}

	switch cred.Type {
	case publisher.UserTokenTypeAnonymous:
		opts = append(opts, opcua.AuthAnonymous())
	case publisher.UserTokenTypeUserName:
		opts = append(opts, opcua.AuthUsername(cred.Username, cred.Password))
	case publisher.UserTokenTypeCertificate:
		if cert == nil {
			return nil, fmt.Errorf("%w: certificate identity needs a certificate and a private key", publisher.StatusBadConfigurationError)
		}
		opts = append(opts, opcua.AuthCertificate(cert), opcua.AuthPrivateKey(key))
	default:
		return nil, fmt.Errorf("%w: %s identity tokens", publisher.StatusBadNotSupported, cred.Type)
	}
	return opts, nil
}
