// Package snapshot replays the current state of every resource to the CDC
// topics so consumers can bootstrap without the full change history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lsm/changefeed/internal/catalog"
	"github.com/lsm/changefeed/internal/cdc"
	"github.com/lsm/changefeed/internal/correlation"
	"github.com/lsm/changefeed/internal/host"
	"github.com/lsm/changefeed/internal/observability"
	"github.com/lsm/changefeed/internal/publish"
	"github.com/lsm/changefeed/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrUnknownResourceType is returned when a single-type export names a type
// missing from the catalog.
var ErrUnknownResourceType = errors.New("unknown resource type")

// Source pages through the resources of one type.
type Source interface {
	Search(ctx context.Context, resourceType string) (*host.Page, error)
	NextPage(ctx context.Context, page *host.Page) (*host.Page, error)
}

// SourceFactory returns a Source that authenticates with bearerToken. An
// empty token means the source's own credentials.
type SourceFactory func(bearerToken string) Source

// HostSource adapts a host client into a SourceFactory.
func HostSource(c *host.Client) SourceFactory {
	return func(bearerToken string) Source {
		return c.WithBearer(bearerToken)
	}
}

// Request selects what to export.
type Request struct {
	// ResourceType selects single-type mode when non-empty.
	ResourceType string
	// FromName resumes a catalog export after this type name.
	FromName string
	// BearerToken is forwarded to the host.
	BearerToken string
}

// Result summarizes an export. On failure it covers the work done before
// the error, and LastType is the cursor to resume from.
type Result struct {
	RunID     string   `json:"runId"`
	Types     []string `json:"resourceTypes"`
	Pages     int      `json:"pages"`
	Resources int      `json:"resources"`
	Skipped   int      `json:"skipped"`
	Messages  int      `json:"messages"`
	LastType  string   `json:"lastType,omitempty"`
}

// Exporter walks the catalog and publishes every resource.
type Exporter struct {
	catalog   catalog.Provider
	source    SourceFactory
	publisher publish.Publisher
	namer     cdc.TopicNamer
	logger    *observability.TraceLogger
	tracer    trace.Tracer
	metrics   *observability.Metrics
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = observability.NewTraceLogger(logger)
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Exporter) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMetrics enables snapshot metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exporter) {
		e.metrics = m
	}
}

// NewExporter creates an Exporter. namer must be the one the live listener
// uses so snapshot and change messages land on the same topics.
func NewExporter(cat catalog.Provider, source SourceFactory, pub publish.Publisher, namer cdc.TopicNamer, opts ...Option) *Exporter {
	e := &Exporter{
		catalog:   cat,
		source:    source,
		publisher: pub,
		namer:     namer,
		logger:    observability.NewTraceLogger(slog.Default()),
		tracer:    noop.NewTracerProvider().Tracer("snapshot"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export publishes a snapshot envelope and the raw resource for every
// resource of the selected types, one batch per page. Types are processed
// one after another; the first fetch or publish error stops the export and
// earlier batches stay published.
func (e *Exporter) Export(ctx context.Context, req Request) (res Result, err error) {
	res.RunID = correlation.New()
	if id, ok := correlation.FromContext(ctx); ok {
		res.RunID = id.Value
	}

	ctx, span := tracing.StartSpan(ctx, e.tracer, tracing.SpanSnapshot,
		trace.WithAttributes(
			tracing.SnapshotRunAttr(res.RunID),
			tracing.ResourceTypeAttr(req.ResourceType),
		),
	)
	defer func() {
		tracing.End(span, err)
		e.countRun(err)
	}()

	types, err := e.selectTypes(req)
	if err != nil {
		return res, err
	}

	log := e.logger.With("run_id", res.RunID)
	log.Info(ctx, "snapshot started",
		"resource_types", len(types),
		"single_type", req.ResourceType != "",
		"from_name", req.FromName,
	)

	src := e.source(req.BearerToken)
	for i, rt := range types {
		log.Debug(ctx, "exporting resource type", "resource_type", rt, "type", fmt.Sprintf("%d/%d", i+1, len(types)))
		if err := e.exportType(ctx, src, rt, &res); err != nil {
			log.Error(ctx, "snapshot failed",
				"resource_type", rt,
				"resume_from", res.LastType,
				"error", err,
			)
			return res, fmt.Errorf("snapshot %s: %w", rt, err)
		}
		res.Types = append(res.Types, rt)
		res.LastType = rt
		log.Debug(ctx, "resource type complete", "resource_type", rt)
	}

	log.Info(ctx, "snapshot complete",
		"resource_types", len(res.Types),
		"pages", res.Pages,
		"resources", res.Resources,
		"skipped", res.Skipped,
		"messages", res.Messages,
	)
	return res, nil
}

// selectTypes returns the types to export. Single-type mode ignores the
// cursor; catalog mode takes every name after it.
func (e *Exporter) selectTypes(req Request) ([]string, error) {
	cat := e.catalog.Current()
	if req.ResourceType != "" {
		if !cat.Has(req.ResourceType) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResourceType, req.ResourceType)
		}
		return []string{req.ResourceType}, nil
	}
	return cat.After(req.FromName), nil
}

func (e *Exporter) exportType(ctx context.Context, src Source, resourceType string, res *Result) (err error) {
	ctx, span := tracing.StartSpan(ctx, e.tracer, tracing.SpanSnapshotType,
		trace.WithAttributes(tracing.ResourceTypeAttr(resourceType)),
	)
	defer func() { tracing.End(span, err) }()

	page, err := src.Search(ctx, resourceType)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for page != nil {
		if err := e.flush(ctx, resourceType, page, res); err != nil {
			return err
		}
		page, err = src.NextPage(ctx, page)
		if err != nil {
			return fmt.Errorf("next page: %w", err)
		}
	}
	return nil
}

// flush publishes one page as a single batch: for each resource a snapshot
// envelope followed by the bare resource body, both keyed by resource id.
func (e *Exporter) flush(ctx context.Context, resourceType string, page *host.Page, res *Result) error {
	res.Pages++

	messages := make([]publish.Message, 0, 2*len(page.Resources))
	for _, r := range page.Resources {
		if r.ID == "" {
			res.Skipped++
			e.logger.Warn(ctx, "skipping resource without id", "resource_type", resourceType)
			continue
		}
		typ := r.Type
		if typ == "" {
			typ = resourceType
		}

		env, err := e.namer.Message(cdc.Envelope{
			ResourceType: typ,
			Key:          r.ID,
			After:        r.Body,
			Mode:         cdc.Snapshot,
		})
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", typ, r.ID, err)
		}
		messages = append(messages, env, publish.Message{
			Topic: env.Topic,
			Key:   r.ID,
			Body:  []byte(r.Body),
		})
	}

	e.logger.Debug(ctx, "page fetched",
		"resource_type", resourceType,
		"resources", len(page.Resources),
		"messages", len(messages),
	)
	if len(messages) == 0 {
		return nil
	}

	if err := e.publisher.PublishAll(ctx, messages); err != nil {
		return fmt.Errorf("publish page: %w", err)
	}
	res.Resources += len(messages) / 2
	res.Messages += len(messages)
	if e.metrics != nil {
		e.metrics.SnapshotPages.WithLabelValues(resourceType).Inc()
		e.metrics.SnapshotResources.WithLabelValues(resourceType).Add(float64(len(messages) / 2))
	}
	return nil
}

func (e *Exporter) countRun(err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, ErrUnknownResourceType):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	e.metrics.SnapshotRuns.WithLabelValues(status).Inc()
}
