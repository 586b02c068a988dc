// Package acquire runs one acquisition cycle: it finds a working session,
// resolves the current issue's link and opens its document stream.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"kapub/internal/assert"
	"kapub/internal/chrono"
	"kapub/internal/issue"
	"kapub/internal/portal"
	"kapub/internal/session"
	"kapub/internal/telemetry"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kapub/internal/acquire")

// ErrLinkUnresolved means the link could not be resolved with a freshly
// issued credential.
var ErrLinkUnresolved = errors.New("issue link unresolved")

const (
	report_acquire_cycle   = "acquire.cycle"
	report_acquire_relogin = "acquire.relogin"
	report_acquire_token   = "acquire.token-generation"
)

// CredentialStore gives access to the persisted credential.
type CredentialStore interface {
	Load(ctx context.Context) (session.Credential, bool)
}

// Portal is the remote side of an acquisition, implemented by *portal.Client.
//
// note: fault injection point
type Portal interface {
	Login(ctx context.Context, username, password string) (session.Credential, error)
	Locate(ctx context.Context, cred session.Credential) (*url.URL, error)
	Open(ctx context.Context, link *url.URL, cred session.Credential) (*portal.Handle, error)
}

// RandomAPI is an abstraction over any code that generates random values.
//
// note: fault injection point
type RandomAPI interface {
	GenerateToken() (string, error)
}

type defaultRandomAPI struct{}

func (defaultRandomAPI) GenerateToken() (string, error) {
	return random.String(24)
}

type Account struct {
	Username string
	Password string
}

type Coordinator struct {
	store   CredentialStore
	portal  Portal
	account Account

	rand RandomAPI
	time chrono.TimeAPI
	tel  telemetry.API
}

func NewCoordinator(store CredentialStore, remote Portal, account Account, options ...Option) *Coordinator {
	assert.NotNil(store, "store")
	assert.NotNil(remote, "remote")
	assert.NotEmptyStr(account.Username, "account.Username")

	cfg := config{}
	for _, opt := range options {
		opt(&cfg)
	}

	c := &Coordinator{
		store:   store,
		portal:  remote,
		account: account,
		rand:    defaultRandomAPI{},
		time:    chrono.StandardTime{},
		tel:     telemetry.SlogAPI{},
	}
	if cfg.rand != nil {
		c.rand = cfg.rand
	}
	if cfg.time != nil {
		c.time = cfg.time
	}
	if cfg.tel != nil {
		c.tel = cfg.tel
	}
	c.tel = telemetry.NewScopedAPI("acquire", c.tel)

	return c
}

type config struct {
	rand RandomAPI
	time chrono.TimeAPI
	tel  telemetry.API
}

type Option func(cfg *config)

func WithRandomAPI(rand RandomAPI) Option {
	return func(cfg *config) {
		cfg.rand = rand
	}
}

func WithTimeAPI(time chrono.TimeAPI) Option {
	return func(cfg *config) {
		cfg.time = time
	}
}

func WithTelemetryAPI(tel telemetry.API) Option {
	return func(cfg *config) {
		cfg.tel = tel
	}
}

// Acquire runs one cycle. A stored credential is tried first; if the link
// cannot be resolved with it, the cycle logs in again exactly once. Login
// failures end the cycle, persistence failures never do.
func (c *Coordinator) Acquire(ctx context.Context) (*issue.Issue, error) {
	ctx, span := tracer.Start(ctx, "Acquire")
	defer span.End()

	result, err := c.acquire(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquisition failed")
		c.tel.ReportWarning(report_acquire_cycle, err)
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) acquire(ctx context.Context, span trace.Span) (*issue.Issue, error) {
	cred, found := c.store.Load(ctx)
	fresh := false
	if !found {
		var err error
		cred, err = c.login(ctx)
		if err != nil {
			return nil, err
		}
		fresh = true
	}
	span.SetAttributes(attribute.Bool("fresh_login", fresh))

	link, err := c.portal.Locate(ctx, cred)
	if err != nil && !fresh {
		c.tel.ReportDebug("stored credential did not resolve the link, logging in again", err)
		span.AddEvent("relogin")

		cred, err = c.login(ctx)
		if err != nil {
			c.tel.ReportWarning(report_acquire_relogin, err)
			return nil, err
		}
		link, err = c.portal.Locate(ctx, cred)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLinkUnresolved, err)
	}
	span.SetAttributes(attribute.String("link", link.String()))

	token, err := c.rand.GenerateToken()
	if err != nil {
		c.tel.ReportBroken(report_acquire_token, err)
		return nil, err
	}

	handle, err := c.portal.Open(ctx, link, cred)
	if err != nil {
		return nil, err
	}

	result := issue.New(c.time.Now(), token, handle.Length, handle)
	span.SetAttributes(
		attribute.String("issue_id", result.ID),
		attribute.Int64("length", result.Length),
	)
	c.tel.ReportDebug("opened issue", result.ID, link.String())
	return result, nil
}

func (c *Coordinator) login(ctx context.Context) (session.Credential, error) {
	ctx, span := tracer.Start(ctx, "login")
	defer span.End()

	cred, err := c.portal.Login(ctx, c.account.Username, c.account.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return "", err
	}
	return cred, nil
}
