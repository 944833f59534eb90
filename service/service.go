package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-username/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	grpcodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TraceMessageOperationName = "grpc.message"

	// DefaultMetadataNamespace is the namespace Envoy's ext_proc filter is registered under.
	DefaultMetadataNamespace = "envoy.filters.http.ext_proc"
)

var (
	RequestHeadersResourceName   = "RequestHeaders"
	RequestBodyResourceName      = "RequestBody"
	RequestTrailersResourceName  = "RequestTrailers"
	ResponseHeadersResourceName  = "ResponseHeaders"
	ResponseBodyResourceName     = "ResponseBody"
	ResponseTrailersResourceName = "ResponseTrailers"
)

type ExtProcessor struct {
	roots         []filter.RootContext
	log           logr.Logger
	tracer        trace.Tracer
	namespace     string
	nextContextID atomic.Uint32
}

var _ extproc.ExternalProcessorServer = &ExtProcessor{}

func New(options ...Option) *ExtProcessor {
	f := &ExtProcessor{
		log:       logr.Discard(),
		namespace: DefaultMetadataNamespace,
	}
	for _, opt := range options {
		opt.apply(f)
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer(TraceMessageOperationName)
	}

	roots := f.roots[:0]
	for _, root := range f.roots {
		if root.ContextKind() != filter.ContextKindHttp {
			f.log.Info("skipping root context", "root", fmt.Sprintf("%T", root), "kind", root.ContextKind().String())
			continue
		}
		roots = append(roots, root)
	}
	f.roots = roots
	return f
}

// httpContexts instantiates one http context per root for a new request.
func (svc *ExtProcessor) httpContexts(req *filter.RequestContext) []filter.HttpContext {
	contexts := make([]filter.HttpContext, 0, len(svc.roots))
	for _, root := range svc.roots {
		contexts = append(contexts, root.NewHttpContext(req.ContextID(), req))
	}
	return contexts
}

// Process is the main entry point for the ExternalProcessor service.
// The protocol itself is based on a bidirectional gRPC stream. Envoy will send the server ProcessingRequest messages, and the server must reply with ProcessingResponse.
// Every stream is one HTTP request and gets its own RequestContext and http contexts.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/extensions/filters/http/ext_proc/v3/ext_proc.proto#envoy-v3-api-msg-extensions-filters-http-ext-proc-v3-externalfilter
func (svc *ExtProcessor) Process(procsrv extproc.ExternalProcessor_ProcessServer) error {
	req := filter.NewRequestContext(svc.nextContextID.Add(1))
	contexts := svc.httpContexts(req)
	log := svc.log.WithValues("context_id", req.ContextID())
	defer func() {
		for _, hc := range contexts {
			if s, ok := hc.(filter.Stream); ok {
				s.OnStreamComplete(req)
			}
		}
	}()

	ctx := logr.NewContext(procsrv.Context(), log)
	for {
		procreq, err := procsrv.Recv()
		if err != nil {
			return IgnoreCanceled(err)
		}

		switch msg := procreq.Request.(type) {
		case *extproc.ProcessingRequest_RequestHeaders:
			ctx, span := svc.tracer.Start(ctx, RequestHeadersResourceName)
			if err := svc.requestHeadersMessage(ctx, req, contexts, msg, procsrv); err != nil {
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return IgnoreCanceled(err)
			}
			span.End()
		case *extproc.ProcessingRequest_RequestBody:
			ctx, span := svc.tracer.Start(ctx, RequestBodyResourceName)
			if err := svc.requestBodyMessage(ctx, req, msg, procsrv); err != nil {
				span.End()
				return IgnoreCanceled(err)
			}
			span.End()
		case *extproc.ProcessingRequest_RequestTrailers:
			ctx, span := svc.tracer.Start(ctx, RequestTrailersResourceName)
			if err := svc.requestTrailersMessage(ctx, req, msg, procsrv); err != nil {
				span.End()
				return IgnoreCanceled(err)
			}
			span.End()
		case *extproc.ProcessingRequest_ResponseHeaders:
			ctx, span := svc.tracer.Start(ctx, ResponseHeadersResourceName)
			if err := svc.responseHeadersMessage(ctx, req, contexts, msg, procsrv); err != nil {
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return IgnoreCanceled(err)
			}
			span.End()
		case *extproc.ProcessingRequest_ResponseBody:
			ctx, span := svc.tracer.Start(ctx, ResponseBodyResourceName)
			if err := svc.responseBodyMessage(ctx, req, msg, procsrv); err != nil {
				span.End()
				return IgnoreCanceled(err)
			}
			span.End()
		case *extproc.ProcessingRequest_ResponseTrailers:
			ctx, span := svc.tracer.Start(ctx, ResponseTrailersResourceName)
			if err := svc.responseTrailersMessage(ctx, req, msg, procsrv); err != nil {
				span.End()
				return IgnoreCanceled(err)
			}
			span.End()
		default:
			return fmt.Errorf("unknown request type: %T", procreq.Request)
		}
	}
}

// runHeaders invokes fn for every context until one pauses the phase.
func (svc *ExtProcessor) runHeaders(ctx context.Context, phase string, contexts []filter.HttpContext, fn func(context.Context, filter.HttpContext) filter.Action) {
	for _, hc := range contexts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ctx, span := svc.tracer.Start(ctx, fmt.Sprintf("%T/%s", hc, phase))
		action := fn(ctx, hc)
		span.End()
		if action == filter.ActionPause {
			logr.FromContextOrDiscard(ctx).V(1).Info("http context paused the phase", "phase", phase, "context", fmt.Sprintf("%T", hc))
			return
		}
	}
}

// dynamicMetadata returns the properties written since the last response. A conversion failure drops the
// metadata but never the response.
func (svc *ExtProcessor) dynamicMetadata(ctx context.Context, req *filter.RequestContext) *structpb.Struct {
	md, err := req.Properties().Flush(svc.namespace)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "dropping dynamic metadata", "namespace", svc.namespace)
		return nil
	}
	return md
}

func continueResponse() *extproc.CommonResponse {
	return &extproc.CommonResponse{
		Status: extproc.CommonResponse_CONTINUE,
	}
}

// Step 1. Request headers: Contains the headers from the original HTTP request.
func (svc *ExtProcessor) requestHeadersMessage(ctx context.Context, req *filter.RequestContext, contexts []filter.HttpContext, msg *extproc.ProcessingRequest_RequestHeaders, procsrv extproc.ExternalProcessor_ProcessServer) error {
	numHeaders := req.Process(msg)
	endOfStream := msg.RequestHeaders.GetEndOfStream()

	svc.runHeaders(ctx, "OnRequestHeaders", contexts, func(ctx context.Context, hc filter.HttpContext) filter.Action {
		return hc.OnRequestHeaders(ctx, numHeaders, endOfStream)
	})

	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extproc.HeadersResponse{
				Response: continueResponse(),
			},
		},
		DynamicMetadata: svc.dynamicMetadata(ctx, req),
	}
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("RequestHeaders: failed validating response: %w", err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("RequestHeaders: failed sending response: %w", err)
	}
	return nil
}

// Step 2. (Not implemented) Request body: Delivered if they are present and sent in a single message if the BUFFERED or BUFFERED_PARTIAL mode is chosen, in multiple messages if the STREAMED mode is chosen, and not at all otherwise.
func (svc *ExtProcessor) requestBodyMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_RequestBody, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestBody{},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("RequestBody: failed sending response: %w", err)
	}
	return nil
}

// Step 3. (Not implemented) Request trailers: Delivered if they are present and if the trailer mode is set to SEND.
func (svc *ExtProcessor) requestTrailersMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_RequestTrailers, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestTrailers{},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("RequestTrailers: failed sending response: %w", err)
	}
	return nil
}

// Step 4. Response headers: Contains the headers from the HTTP response. Keep in mind that if the upstream system sends them before processing the request body that this message may arrive before the complete body.
func (svc *ExtProcessor) responseHeadersMessage(ctx context.Context, req *filter.RequestContext, contexts []filter.HttpContext, msg *extproc.ProcessingRequest_ResponseHeaders, procsrv extproc.ExternalProcessor_ProcessServer) error {
	numHeaders := req.Process(msg)
	endOfStream := msg.ResponseHeaders.GetEndOfStream()

	reversed := make([]filter.HttpContext, 0, len(contexts))
	for i := len(contexts) - 1; i >= 0; i-- {
		reversed = append(reversed, contexts[i])
	}
	svc.runHeaders(ctx, "OnResponseHeaders", reversed, func(ctx context.Context, hc filter.HttpContext) filter.Action {
		return hc.OnResponseHeaders(ctx, numHeaders, endOfStream)
	})

	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extproc.HeadersResponse{
				Response: continueResponse(),
			},
		},
		DynamicMetadata: svc.dynamicMetadata(ctx, req),
	}
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("ResponseHeaders: failed validating response: %w", err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("ResponseHeaders: failed sending response: %w", err)
	}
	return nil
}

// Step 5. (Not implemented) Response body: Sent according to the processing mode like the request body.
func (svc *ExtProcessor) responseBodyMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_ResponseBody, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseBody{},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("ResponseBody: failed sending response: %w", err)
	}
	return nil
}

// Step 6. (Not implemented) Response trailers: Delivered according to the processing mode like the request trailers.
func (svc *ExtProcessor) responseTrailersMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_ResponseTrailers, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseTrailers{},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("ResponseTrailers: failed sending response: %w", err)
	}
	return nil
}

// IgnoreCanceled returns nil if the error is a context.Canceled error or an io.EOF error.
func IgnoreCanceled(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), status.Code(err) == grpcodes.Canceled:
		return nil
	}
	return err
}
