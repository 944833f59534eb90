package filter

import (
	"context"
)

// ContextKind tells the host which kind of context a root produces.
type ContextKind int

const (
	ContextKindUnknown ContextKind = iota
	// ContextKindHttp roots get one HttpContext per HTTP request.
	ContextKindHttp
)

func (k ContextKind) String() string {
	switch k {
	case ContextKindHttp:
		return "HttpContext"
	}
	return "Unknown"
}

// Action is returned by the phase callbacks to tell the host how to proceed.
type Action int

const (
	// ActionContinue lets the host carry on with the request.
	ActionContinue Action = iota
	// ActionPause skips the remaining contexts of the current phase. The ext_proc
	// protocol has no pause, so the host still replies CONTINUE to Envoy.
	ActionPause
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "Continue"
	case ActionPause:
		return "Pause"
	}
	return "Unknown"
}

// RootContext is created once per filter configuration and manufactures the per-request contexts.
type RootContext interface {
	ContextKind() ContextKind
	NewHttpContext(contextID uint32, host Host) HttpContext
}

// HttpContext receives the lifecycle callbacks of a single HTTP request.
type HttpContext interface {
	OnRequestHeaders(ctx context.Context, numHeaders int, endOfStream bool) Action
	OnResponseHeaders(ctx context.Context, numHeaders int, endOfStream bool) Action
}

// HeaderMap gives read access to the headers of the current request.
type HeaderMap interface {
	// LookupRequestHeader returns the first value of the header and whether it was present.
	// Keys are case insensitive.
	LookupRequestHeader(key string) (string, bool)
}

// PropertyStore is the request scoped key-value store shared with later pipeline stages.
type PropertyStore interface {
	SetProperty(path []string, value []byte) error
}

// Host is what the proxy exposes to an HttpContext.
type Host interface {
	HeaderMap
	PropertyStore
}

// NoOpHttpContext can be embedded to only implement the callbacks a filter cares about.
type NoOpHttpContext struct{}

var _ HttpContext = &NoOpHttpContext{}

func (*NoOpHttpContext) OnRequestHeaders(context.Context, int, bool) Action {
	return ActionContinue
}

func (*NoOpHttpContext) OnResponseHeaders(context.Context, int, bool) Action {
	return ActionContinue
}
