package filter

import (
	"cmp"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/google/uuid"
)

// RequestPhase represents the different phases of the request
type RequestPhase string

const (
	RequestPhaseUnknown          RequestPhase = "RequestPhaseUnknown"
	RequestPhaseRequestHeaders   RequestPhase = "RequestPhaseRequestHeaders"
	RequestPhaseRequestBody      RequestPhase = "RequestPhaseRequestBody"
	RequestPhaseRequestTrailers  RequestPhase = "RequestPhaseRequestTrailers"
	RequestPhaseResponseHeaders  RequestPhase = "RequestPhaseResponseHeaders"
	RequestPhaseResponseBody     RequestPhase = "RequestPhaseResponseBody"
	RequestPhaseResponseTrailers RequestPhase = "RequestPhaseResponseTrailers"
)

// RequestContext is the host side state of one ext_proc stream, i.e. one HTTP request.
// It stores the headers received from Envoy and the properties written by the filters, and it is handed to
// every HttpContext as its Host.
// The Process method should be called on every message received from Envoy in order to update the request object.
// Note that the request object is not thread-safe and should not be shared between goroutines.
type RequestContext struct {
	contextID  uint32
	scheme     string
	authority  string
	method     string
	url        *url.URL
	requestID  string
	status     int
	headers    map[RequestPhase]http.Header
	properties *Properties
	phase      RequestPhase
	startTime  time.Time
}

var _ Host = &RequestContext{}

func NewRequestContext(contextID uint32) *RequestContext {
	return &RequestContext{
		contextID:  contextID,
		headers:    make(map[RequestPhase]http.Header),
		properties: &Properties{},
		phase:      RequestPhaseUnknown,
	}
}

// ContextID returns the identifier the host assigned to this request.
func (r *RequestContext) ContextID() uint32 {
	return r.contextID
}

// LookupRequestHeader returns the first value associated with the given key and whether the header was sent.
// It is case insensitive.
func (r *RequestContext) LookupRequestHeader(key string) (string, bool) {
	values := r.headers[RequestPhaseRequestHeaders].Values(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// RequestHeader gets the first value associated with the given key.
// If there are no values associated with the key, RequestHeader returns "". It is case insensitive;
// [textproto.CanonicalMIMEHeaderKey] is used to canonicalize the provided key.
func (r *RequestContext) RequestHeader(key string) string {
	return r.headers[RequestPhaseRequestHeaders].Get(key)
}

// RequestHeaderValues returns all values associated with the given key.
// The returned slice is not a copy.
func (r *RequestContext) RequestHeaderValues(key string) []string {
	return r.headers[RequestPhaseRequestHeaders].Values(key)
}

// ResponseHeader gets the first value associated with the given key.
func (r *RequestContext) ResponseHeader(key string) string {
	return r.headers[RequestPhaseResponseHeaders].Get(key)
}

// RawHeaders returns a copy of the headers received in the given phase.
func (r *RequestContext) RawHeaders(phase RequestPhase) http.Header {
	if r.headers[phase] == nil {
		return make(http.Header)
	}
	return r.headers[phase].Clone()
}

// SetProperty writes a request scoped property, see Properties.SetProperty.
func (r *RequestContext) SetProperty(path []string, value []byte) error {
	return r.Properties().SetProperty(path, value)
}

// Properties returns the property store of the request.
func (r *RequestContext) Properties() *Properties {
	if r.properties == nil {
		r.properties = &Properties{}
	}
	return r.properties
}

// Scheme returns the scheme of the request (http or https)
func (r *RequestContext) Scheme() string {
	return r.scheme
}

// Authority returns the authority of the request
func (r *RequestContext) Authority() string {
	return r.authority
}

// Method returns the method of the request (GET, POST, PUT, etc)
func (r *RequestContext) Method() string {
	return r.method
}

// URL returns the URL of the request
func (r *RequestContext) URL() *url.URL {
	if r.url == nil {
		return &url.URL{}
	}
	return r.url
}

// RequestID returns the x-request-id of the request. Requests reaching us without one get a generated id
// so log lines can still be correlated.
func (r *RequestContext) RequestID() string {
	return r.requestID
}

// Status returns the status of the response
func (r *RequestContext) Status() int {
	return r.status
}

// StatusClass returns the class of the status of the response (2xx, 3xx, 4xx, 5xx)
func (r *RequestContext) StatusClass() string {
	return fmt.Sprintf("%dxx", r.status/100)
}

// RequestPhase returns the current phase of the request
func (r *RequestContext) RequestPhase() RequestPhase {
	return r.phase
}

// RequestDuration returns the time since the request started
func (r *RequestContext) RequestDuration() time.Duration {
	if r.startTime.IsZero() {
		return time.Duration(0)
	}
	return time.Since(r.startTime)
}

// Process processes the given message and updates the request object accordingly.
// It should be called on every message received from Envoy and returns the number of headers carried by the message.
func (r *RequestContext) Process(message any) int {
	if r.headers == nil {
		r.headers = make(map[RequestPhase]http.Header)
	}
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	switch msg := message.(type) {
	case *extproc.ProcessingRequest_RequestHeaders:
		r.phase = RequestPhaseRequestHeaders
		headers := msg.RequestHeaders.GetHeaders().GetHeaders()
		r.headers[RequestPhaseRequestHeaders] = toHTTPHeader(headers)

		if r.scheme == "" {
			r.scheme = r.RequestHeader(":scheme")
		}
		if r.authority == "" {
			r.authority = r.RequestHeader(":authority")
		}
		if r.method == "" {
			r.method = r.RequestHeader(":method")
		}
		if r.requestID == "" {
			r.requestID = cmp.Or(r.RequestHeader("x-request-id"), uuid.NewString())
		}
		if r.url == nil {
			path := r.RequestHeader(":path")
			r.url, _ = url.Parse(path)
			if r.url == nil {
				r.url = &url.URL{
					Path:    strings.Split(path, "?")[0],
					RawPath: path,
				}
			}
		}
		return len(headers)
	case *extproc.ProcessingRequest_ResponseHeaders:
		r.phase = RequestPhaseResponseHeaders
		headers := msg.ResponseHeaders.GetHeaders().GetHeaders()
		r.headers[RequestPhaseResponseHeaders] = toHTTPHeader(headers)

		status, _ := strconv.Atoi(r.ResponseHeader(":status"))
		r.status = status
		return len(headers)
	case *extproc.ProcessingRequest_RequestBody:
		r.phase = RequestPhaseRequestBody
	case *extproc.ProcessingRequest_RequestTrailers:
		r.phase = RequestPhaseRequestTrailers
	case *extproc.ProcessingRequest_ResponseBody:
		r.phase = RequestPhaseResponseBody
	case *extproc.ProcessingRequest_ResponseTrailers:
		r.phase = RequestPhaseResponseTrailers
	}
	return 0
}

func toHTTPHeader(headers []*corev3.HeaderValue) http.Header {
	h := make(http.Header, len(headers))
	for _, header := range headers {
		// Envoy sends raw_value when envoy_reloadable_features_send_header_raw_value is enabled, value otherwise.
		h.Add(header.GetKey(), cmp.Or(string(header.GetRawValue()), header.GetValue()))
	}
	return h
}
