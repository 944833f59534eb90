// Package accesslog writes one log line per request once Envoy is done with it, including the properties
// written by the other filters.
package accesslog

import (
	"strings"

	"github.com/getyourguide/extproc-username/filter"
	"github.com/go-logr/logr"
)

// Root produces one access log context per request. Properties lists the property paths added to the line,
// keyed by the log field name.
type Root struct {
	log        logr.Logger
	properties map[string][]string
}

var _ filter.RootContext = &Root{}

func NewRoot(log logr.Logger, properties map[string][]string) *Root {
	return &Root{
		log:        log,
		properties: properties,
	}
}

func (r *Root) ContextKind() filter.ContextKind {
	return filter.ContextKindHttp
}

func (r *Root) NewHttpContext(contextID uint32, _ filter.Host) filter.HttpContext {
	return &HttpContext{
		root: r,
		log:  r.log.WithValues("context_id", contextID),
	}
}

type HttpContext struct {
	filter.NoOpHttpContext
	root *Root
	log  logr.Logger
}

var (
	_ filter.HttpContext = &HttpContext{}
	_ filter.Stream      = &HttpContext{}
)

func (c *HttpContext) OnStreamComplete(req *filter.RequestContext) {
	kv := []any{
		"request_id", req.RequestID(),
		"method", req.Method(),
		"authority", req.Authority(),
		"path", req.URL().Path,
		"status", req.Status(),
		"duration", req.RequestDuration(),
	}
	for name, path := range c.root.properties {
		value, ok := req.Properties().Property(path)
		if !ok {
			continue
		}
		kv = append(kv, name, string(value))
	}
	c.log.Info("access", kv...)
}

// ParseProperties parses "field=segment.segment" pairs, as used in configuration files and flags.
func ParseProperties(pairs []string) map[string][]string {
	properties := make(map[string][]string, len(pairs))
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			continue
		}
		properties[name] = strings.Split(path, ".")
	}
	return properties
}
