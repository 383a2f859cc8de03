package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
)

var (
	// ErrInvalidEvent marks structurally invalid input. It is never retried.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnresolvableRun is returned when an event names no run that can be
	// found or created.
	ErrUnresolvableRun = errors.New("unresolvable workflow run")
	// ErrCatalogMiss is returned when no Analysis or AnalysisContext matches.
	ErrCatalogMiss = errors.New("catalog miss")
)

// Logger defines the logging interface for the services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Publisher emits outbound notifications for downstream collaborators.
type Publisher interface {
	PublishWorkflowRunStateChange(ctx context.Context, evt models.WorkflowRunStateChange) error
	PublishAnalysisRunStateChange(ctx context.Context, evt models.AnalysisRunStateChange) error
}

// NopPublisher drops every notification.
type NopPublisher struct{}

func (NopPublisher) PublishWorkflowRunStateChange(context.Context, models.WorkflowRunStateChange) error {
	return nil
}

func (NopPublisher) PublishAnalysisRunStateChange(context.Context, models.AnalysisRunStateChange) error {
	return nil
}

// Metrics receives counters from the services. internal/metrics provides the
// Prometheus implementation.
type Metrics interface {
	TransitionEvaluated(outcome, reason string)
	AnalysisRunCreated(analysis string)
	AnalysisRunSkipped(reason string)
	CatalogLookup(kind string, hit bool)
	NotificationPublished(kind string, err error)
}

type nopMetrics struct{}

func (nopMetrics) TransitionEvaluated(string, string) {}
func (nopMetrics) AnalysisRunCreated(string) {}
func (nopMetrics) AnalysisRunSkipped(string) {}
func (nopMetrics) CatalogLookup(string, bool) {}
func (nopMetrics) NotificationPublished(string, error) {}

// Option configures the optional collaborators of a service.
type Option func(*options)

type options struct {
	publisher          Publisher
	metrics            Metrics
	now                func() time.Time
	resolveTimeout     time.Duration
	resolveConcurrency int
}

const (
	DefaultResolveTimeout     = 10 * time.Second
	DefaultResolveConcurrency = 8
)

func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithResolveTimeout bounds each metadata resolver call.
func WithResolveTimeout(d time.Duration) Option {
	return func(o *options) { o.resolveTimeout = d }
}

// WithResolveConcurrency bounds the number of concurrent resolver calls.
func WithResolveConcurrency(n int) Option {
	return func(o *options) { o.resolveConcurrency = n }
}

func buildOptions(opts []Option) options {
	o := options{
		publisher:          NopPublisher{},
		metrics:            nopMetrics{},
		now:                time.Now,
		resolveTimeout:     DefaultResolveTimeout,
		resolveConcurrency: DefaultResolveConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.publisher == nil {
		o.publisher = NopPublisher{}
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.resolveTimeout <= 0 {
		o.resolveTimeout = DefaultResolveTimeout
	}
	if o.resolveConcurrency <= 0 {
		o.resolveConcurrency = DefaultResolveConcurrency
	}
	return o
}

// inTx runs fn in a store transaction, committing on success and rolling back
// on error.
func inTx(store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// NewPortalRunID returns a run identifier of the form yyyymmdd followed by
// eight hex characters.
func NewPortalRunID(now time.Time) string {
	return now.UTC().Format("20060102") + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
