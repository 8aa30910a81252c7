// Package host is the read side of the resource server: it pages through a
// FHIR-style REST search for one resource type at a time.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lsm/changefeed/internal/correlation"
	"github.com/lsm/changefeed/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	mediaType      = "application/fhir+json"
	maxBodyBytes   = 64 << 20
)

// ClientCredentials configures an OAuth2 client-credentials grant used when
// no bearer token is forwarded.
type ClientCredentials struct {
	TokenURL     string   `yaml:"tokenURL"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// Config holds the connection settings for the host's REST API.
type Config struct {
	BaseURL        string             `yaml:"baseURL"`
	Timeout        time.Duration      `yaml:"timeout,omitempty"`
	PagesPerSecond float64            `yaml:"pagesPerSecond,omitempty"`
	Credentials    *ClientCredentials `yaml:"credentials,omitempty"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("baseURL is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("baseURL %q is not an absolute URL", c.BaseURL))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if c.PagesPerSecond < 0 {
		errs = append(errs, errors.New("pagesPerSecond must not be negative"))
	}
	if cc := c.Credentials; cc != nil {
		if cc.TokenURL == "" {
			errs = append(errs, errors.New("credentials.tokenURL is required"))
		}
		if cc.ClientID == "" {
			errs = append(errs, errors.New("credentials.clientID is required"))
		}
	}
	return errors.Join(errs...)
}

// Resource is one entry of a search page.
type Resource struct {
	Type string
	ID   string
	Body json.RawMessage
}

// Page is one page of search results for a resource type.
type Page struct {
	ResourceType string
	Resources    []Resource
	// Next is the absolute URL of the following page, empty on the last page.
	Next string
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("host %s: http status %d", e.URL, e.Code)
}

// Client reads resources from the host.
type Client struct {
	base    *url.URL
	http    *http.Client
	rt      http.RoundTripper
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithTransport replaces the base transport. It is still wrapped with
// OpenTelemetry instrumentation.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.rt = rt
		}
	}
}

// NewClient creates a host client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("host config: %w", err)
	}
	base, _ := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")

	c := &Client{
		base:    base,
		rt:      http.DefaultTransport,
		timeout: cfg.Timeout,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("host-client"),
	}
	if c.timeout == 0 {
		c.timeout = defaultTimeout
	}
	if cfg.PagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rt = otelhttp.NewTransport(c.rt)

	var transport http.RoundTripper = c.rt
	if cc := cfg.Credentials; cc != nil {
		ccfg := &clientcredentials.Config{
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			TokenURL:     cc.TokenURL,
			Scopes:       cc.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: c.rt, Timeout: c.timeout})
		transport = &oauth2.Transport{Source: ccfg.TokenSource(tokenCtx), Base: c.rt}
	}
	c.http = &http.Client{Timeout: c.timeout, Transport: transport}
	return c, nil
}

// WithBearer returns a copy of c that sends token as its bearer credential.
// The copy shares the page rate limit with c. An empty token returns c.
func (c *Client) WithBearer(token string) *Client {
	if token == "" {
		return c
	}
	cp := *c
	cp.http = &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.rt,
		},
	}
	return &cp
}

// BaseURL returns the host base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Search fetches the first page of resources of resourceType.
func (c *Client) Search(ctx context.Context, resourceType string) (*Page, error) {
	u := c.base.JoinPath(resourceType)
	return c.fetch(ctx, resourceType, u.String())
}

// NextPage fetches the page following page. It returns nil, nil when page is
// the last one.
func (c *Client) NextPage(ctx context.Context, page *Page) (*Page, error) {
	if page == nil || page.Next == "" {
		return nil, nil
	}
	return c.fetch(ctx, page.ResourceType, page.Next)
}

func (c *Client) fetch(ctx context.Context, resourceType, target string) (_ *Page, err error) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanHostFetch,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.ResourceTypeAttr(resourceType), tracing.HTTPTargetAttr(target)),
	)
	defer func() { tracing.End(span, err) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", mediaType)
	if id, ok := correlation.FromContext(ctx); ok {
		req.Header.Set(correlation.HeaderCorrelationID, id.Value)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, URL: target}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	page, err := c.parse(resourceType, req.URL, data)
	if err != nil {
		return nil, fmt.Errorf("decode bundle from %s: %w", target, err)
	}

	c.logger.Debug("fetched page",
		"resource_type", resourceType,
		"resources", len(page.Resources),
		"has_next", page.Next != "",
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return page, nil
}

type bundle struct {
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// parse decodes a bundle fetched from pageURL. Relative next links resolve
// against pageURL.
func (c *Client) parse(resourceType string, pageURL *url.URL, data []byte) (*Page, error) {
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}

	page := &Page{ResourceType: resourceType}
	for _, e := range b.Entry {
		if len(e.Resource) == 0 || string(e.Resource) == "null" {
			continue
		}
		var h resourceHeader
		if err := json.Unmarshal(e.Resource, &h); err != nil {
			return nil, fmt.Errorf("entry resource: %w", err)
		}
		if h.ResourceType == "" {
			h.ResourceType = resourceType
		}
		page.Resources = append(page.Resources, Resource{Type: h.ResourceType, ID: h.ID, Body: e.Resource})
	}

	for _, l := range b.Link {
		if l.Relation != "next" || l.URL == "" {
			continue
		}
		next, err := pageURL.Parse(l.URL)
		if err != nil {
			return nil, fmt.Errorf("next link %q: %w", l.URL, err)
		}
		page.Next = next.String()
		break
	}
	return page, nil
}
