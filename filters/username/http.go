package username

import (
	"context"
	"strings"

	"github.com/getyourguide/extproc-username/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type outcome string

const (
	outcomeExtracted outcome = "extracted"
	outcomeAbsent    outcome = "absent"
	outcomeMalformed outcome = "malformed"
)

var outcomeKey = attribute.Key("username.outcome")

// HttpContext extracts the user name of a single request.
type HttpContext struct {
	filter.NoOpHttpContext
	contextID uint32
	host      filter.Host
	log       logr.Logger
	lookups   metric.Int64Counter
}

var _ filter.HttpContext = &HttpContext{}

// OnRequestHeaders decodes the user-name header and writes it to the user-name property.
// A missing or undecodable header leaves the property untouched; the request always continues.
func (c *HttpContext) OnRequestHeaders(ctx context.Context, numHeaders int, endOfStream bool) filter.Action {
	c.log.V(1).Info("on request headers", "num_headers", numHeaders, "end_of_stream", endOfStream)

	result := c.extract()
	trace.SpanFromContext(ctx).SetAttributes(outcomeKey.String(string(result)))
	c.lookups.Add(ctx, 1, metric.WithAttributes(outcomeKey.String(string(result))))
	return filter.ActionContinue
}

func (c *HttpContext) extract() outcome {
	encoded, ok := c.host.LookupRequestHeader(HeaderName)
	if !ok {
		c.log.Info("cannot get user-name in request header")
		return outcomeAbsent
	}

	decoded, err := Decode(encoded)
	if err != nil {
		c.log.Error(err, "error decoding user-name")
		return outcomeMalformed
	}

	userName := strings.TrimSpace(decoded)
	c.log.Info("user-name extracted", "user_name", userName)
	if err := c.host.SetProperty(PropertyPath, []byte(userName)); err != nil {
		c.log.Error(err, "error setting user-name property")
	}
	return outcomeExtracted
}
