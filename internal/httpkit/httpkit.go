// Package httpkit builds the HTTP clients used for every outbound call
// in Parley. All clients share the same dial, TLS, and pool settings
// and identify themselves with the parley User-Agent. Retry policy
// lives with the provider rate limiter, not here.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/torvan/parley/internal/buildinfo"
)

// Transport defaults. Provider clients that stream long responses
// override the header timeout via WithTransport.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// defaultClientTimeout bounds a whole request on clients that don't
// ask for something else.
const defaultClientTimeout = 30 * time.Second

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout       time.Duration
	userAgent     string
	skipUserAgent bool
	transport     *http.Transport
}

// WithTimeout sets the overall request timeout. Zero disables it,
// which streaming provider clients rely on.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithoutUserAgent leaves requests without an automatic User-Agent.
func WithoutUserAgent() ClientOption {
	return func(c *clientConfig) { c.skipUserAgent = true }
}

// WithTransport supplies a caller-tuned transport, usually one from
// NewTransport with a longer ResponseHeaderTimeout.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// NewTransport returns a transport with the shared defaults applied.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAlive,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client from the shared defaults plus opts.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := clientConfig{timeout: defaultClientTimeout}
	for _, o := range opts {
		o(&cfg)
	}

	var rt http.RoundTripper = cfg.transport
	if cfg.transport == nil {
		rt = NewTransport()
	}
	if !cfg.skipUserAgent {
		ua := cfg.userAgent
		if ua == "" {
			ua = buildinfo.UserAgent()
		}
		rt = &userAgentTransport{base: rt, ua: ua}
	}

	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// userAgentTransport sets the User-Agent on requests that don't carry
// one. The request is cloned first; RoundTrippers must not mutate.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(clone)
}

// DrainAndClose consumes up to limit bytes of rc and closes it so the
// connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(rc, limit)) //nolint:errcheck
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for use in error
// messages, draining and closing the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
