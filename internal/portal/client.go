// Package portal talks to the e-paper portal: logging in, finding the current
// issue on the overview page and opening the document stream.
package portal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"kapub/internal/assert"
	"kapub/internal/portal/linkparser"
	"kapub/internal/session"
	"kapub/internal/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_client_login  = "client.login"
	report_client_locate = "client.locate"
	report_client_open   = "client.open"
)

// DefaultUserAgent is sent with every portal request.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_7_2) AppleWebKit/535.7 (KHTML, like Gecko) Chrome/16.0.912.63 Safari/535.7"

// DefaultSessionCookie is the name of the portal's session cookie.
const DefaultSessionCookie = "CMS_SESSION_ID"

// CredentialSaver persists a freshly issued credential.
type CredentialSaver interface {
	Save(ctx context.Context, cred session.Credential) error
}

type Options struct {
	// LoginUrl receives both the token request and the credential submission.
	LoginUrl string
	// OverviewUrl is the page that links to the current issue.
	OverviewUrl string
	// LinkHost is prepended to the relative document link.
	LinkHost string
	// LoginRedirect, if set, is submitted as the "r" form value.
	LoginRedirect string

	SessionCookie string
	UserAgent     string
	Parser        linkparser.Parser

	// RequestTimeout bounds each login and locate call.
	RequestTimeout time.Duration
	// RelayHeaderTimeout bounds the wait for the document response headers,
	// the body itself is not bounded.
	RelayHeaderTimeout time.Duration

	// RequestsPerSecond limits outbound requests, 0 means 2 per second.
	RequestsPerSecond float64
	// BypassCloudflare wraps the transport with cloudflare-bp-go.
	BypassCloudflare bool

	// Exchanges, if set, receives a dump of every completed request.
	Exchanges telemetry.ExchangeOutput
}

func (o *Options) setDefaults() {
	if o.SessionCookie == "" {
		o.SessionCookie = DefaultSessionCookie
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = time.Second * 30
	}
	if o.RelayHeaderTimeout <= 0 {
		o.RelayHeaderTimeout = time.Second * 30
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
}

// Client implements the portal operations. Its zero value is not usable, use
// NewClient.
type Client struct {
	opts   Options
	parser linkparser.Parser

	http  *resty.Client
	relay *resty.Client

	store CredentialSaver
	tel   telemetry.API
}

func NewClient(opts Options, store CredentialSaver, tel telemetry.API) (*Client, error) {
	assert.NotNil(store, "credential store")
	assert.NotNil(tel, "telemetry")

	opts.setDefaults()
	for name, value := range map[string]string{
		"login url":    opts.LoginUrl,
		"overview url": opts.OverviewUrl,
		"link host":    opts.LinkHost,
	} {
		parsed, err := url.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if !parsed.IsAbs() {
			return nil, fmt.Errorf("%s %q is not absolute", name, value)
		}
	}

	parser := opts.Parser
	if parser == nil {
		marker, err := linkparser.NewMarker("")
		if err != nil {
			return nil, err
		}
		parser = marker
	}

	tel = telemetry.NewScopedAPI("portal", tel)

	// 2 requests max per second
	// max burst >= 2 just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 2)

	httpClient := newRestyClient(opts, nil, rateLimiter, tel, opts.Exchanges)
	httpClient.SetTimeout(opts.RequestTimeout)
	// a redirect is an answer in itself: 302 on login means success,
	// 302 on the overview page means the session is gone.
	httpClient.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = opts.RelayHeaderTimeout
	transport.DialContext = (&net.Dialer{Timeout: opts.RelayHeaderTimeout}).DialContext
	relayClient := newRestyClient(opts, transport, rateLimiter, tel, telemetry.PrefixExchanges("relay-", opts.Exchanges))
	relayClient.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	return &Client{
		opts:   opts,
		parser: parser,
		http:   httpClient,
		relay:  relayClient,
		store:  store,
		tel:    tel,
	}, nil
}

func newRestyClient(opts Options, transport http.RoundTripper, rateLimiter *rate.Limiter, tel telemetry.API, exchanges telemetry.ExchangeOutput) *resty.Client {
	client := resty.New()
	if transport != nil {
		client.SetTransport(transport)
	}
	// the credential is handled explicitly, a jar would leak cookies between
	// sessions.
	client.SetCookieJar(nil)
	if opts.BypassCloudflare {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	client.SetHeader("User-Agent", opts.UserAgent)

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(client, tel, exchanges)
	return client
}
