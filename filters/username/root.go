package username

import (
	"github.com/getyourguide/extproc-username/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	// HeaderName is the request header carrying the base64 encoded user name.
	HeaderName = "user-name"

	meterName = "github.com/getyourguide/extproc-username/filters/username"
)

// PropertyPath is where the decoded user name is written.
var PropertyPath = []string{"user-name"}

// Root is the root context of the filter. It holds no per-request state.
type Root struct {
	log     logr.Logger
	lookups metric.Int64Counter
}

var _ filter.RootContext = &Root{}

type Option interface {
	apply(r *rootOptions)
}

type rootOptions struct {
	log           logr.Logger
	meterProvider metric.MeterProvider
}

type optionFunc func(*rootOptions)

func (o optionFunc) apply(r *rootOptions) {
	o(r)
}

// WithLogger configures the logger every request context logs to.
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(o *rootOptions) {
		o.log = log
	})
}

// WithMeterProvider configures where the lookup counter is recorded.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return optionFunc(func(o *rootOptions) {
		o.meterProvider = mp
	})
}

func NewRoot(options ...Option) *Root {
	o := &rootOptions{
		log:           logr.Discard(),
		meterProvider: noop.NewMeterProvider(),
	}
	for _, opt := range options {
		opt.apply(o)
	}

	lookups, err := o.meterProvider.Meter(meterName).Int64Counter(
		"extproc.username.lookups",
		metric.WithDescription("user-name header lookups by outcome"),
	)
	if err != nil {
		o.log.Error(err, "could not create lookup counter, falling back to noop")
		lookups, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("extproc.username.lookups")
	}
	return &Root{
		log:     o.log,
		lookups: lookups,
	}
}

func (r *Root) ContextKind() filter.ContextKind {
	return filter.ContextKindHttp
}

func (r *Root) NewHttpContext(contextID uint32, host filter.Host) filter.HttpContext {
	return &HttpContext{
		contextID: contextID,
		host:      host,
		log:       r.log.WithValues("context_id", contextID),
		lookups:   r.lookups,
	}
}
