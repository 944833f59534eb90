package filter_test

import (
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-username/filter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	requestID = "30149a57-c842-9e40-968d-bf9bdbed55b1"
)

var envoyHeadersValue = []*corev3.HeaderValue{
	{Key: ":scheme", RawValue: []byte("https")},
	{Key: ":authority", RawValue: []byte("example.com")},
	{Key: ":method", RawValue: []byte("GET")},
	{Key: ":path", RawValue: []byte("/?q=a")},
	{Key: "x-request-id", RawValue: []byte(requestID)},
}

func requestHeaders(headers ...*corev3.HeaderValue) *extproc.ProcessingRequest_RequestHeaders {
	return &extproc.ProcessingRequest_RequestHeaders{
		RequestHeaders: &extproc.HttpHeaders{
			Headers: &corev3.HeaderMap{Headers: headers},
		},
	}
}

func responseHeaders(headers ...*corev3.HeaderValue) *extproc.ProcessingRequest_ResponseHeaders {
	return &extproc.ProcessingRequest_ResponseHeaders{
		ResponseHeaders: &extproc.HttpHeaders{
			Headers: &corev3.HeaderMap{Headers: headers},
		},
	}
}

func TestProcessRequestHeaders(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers []*corev3.HeaderValue
		assert  func(t *testing.T, req *filter.RequestContext)
	}{{
		name: "empty headers",
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Empty(t, req.Authority())
			require.Empty(t, req.Method())
			require.Empty(t, req.Scheme())
			require.Empty(t, req.Status())
			_, err := uuid.Parse(req.RequestID())
			require.NoError(t, err, "a request id should be generated")
		},
	}, {
		name:    "standard headers set in raw_value",
		headers: envoyHeadersValue,
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, "https", req.Scheme())
			require.Equal(t, "example.com", req.Authority())
			require.Equal(t, "GET", req.Method())
			require.Equal(t, "/", req.URL().Path)
			require.Equal(t, "a", req.URL().Query().Get("q"))
			require.Equal(t, requestID, req.RequestID())
			require.Equal(t, filter.RequestPhaseRequestHeaders, req.RequestPhase())
		},
	}, {
		name: "standard headers set in value",
		headers: []*corev3.HeaderValue{
			{Key: ":authority", Value: "example.com"},
			{Key: ":path", Value: "/api"},
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, "example.com", req.Authority())
			require.Equal(t, "/api", req.URL().Path)
			require.Equal(t, "", req.URL().Query().Get("q"))
		},
	}, {
		name: "lookup is case insensitive",
		headers: []*corev3.HeaderValue{
			{Key: "user-name", RawValue: []byte("QWxpY2U=")},
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			for _, key := range []string{"user-name", "User-Name", "USER-NAME"} {
				value, ok := req.LookupRequestHeader(key)
				require.True(t, ok, key)
				require.Equal(t, "QWxpY2U=", value)
			}
		},
	}, {
		name: "lookup distinguishes empty from absent",
		headers: []*corev3.HeaderValue{
			{Key: "user-name", RawValue: []byte("")},
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			value, ok := req.LookupRequestHeader("user-name")
			require.True(t, ok)
			require.Empty(t, value)

			_, ok = req.LookupRequestHeader("x-missing")
			require.False(t, ok)
		},
	}, {
		name: "repeated headers",
		headers: []*corev3.HeaderValue{
			{Key: "x-forwarded-for", RawValue: []byte("10.0.0.1")},
			{Key: "x-forwarded-for", RawValue: []byte("10.0.0.2")},
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, "10.0.0.1", req.RequestHeader("x-forwarded-for"))
			require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, req.RequestHeaderValues("x-forwarded-for"))
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			req := filter.NewRequestContext(1)
			n := req.Process(requestHeaders(tt.headers...))
			require.Equal(t, len(tt.headers), n)
			tt.assert(t, req)
		})
	}
}

func TestProcessResponseHeaders(t *testing.T) {
	req := filter.NewRequestContext(7)
	req.Process(requestHeaders(envoyHeadersValue...))
	n := req.Process(responseHeaders(
		&corev3.HeaderValue{Key: ":status", RawValue: []byte("404")},
		&corev3.HeaderValue{Key: "content-type", Value: "application/json"},
	))

	require.Equal(t, 2, n)
	require.Equal(t, uint32(7), req.ContextID())
	require.Equal(t, 404, req.Status())
	require.Equal(t, "4xx", req.StatusClass())
	require.Equal(t, "application/json", req.ResponseHeader("content-type"))
	require.Equal(t, filter.RequestPhaseResponseHeaders, req.RequestPhase())
	require.Equal(t, requestID, req.RequestID(), "request id is kept across phases")
	require.Positive(t, req.RequestDuration())
}

func TestRawHeadersIsACopy(t *testing.T) {
	req := filter.NewRequestContext(1)
	req.Process(requestHeaders(envoyHeadersValue...))

	headers := req.RawHeaders(filter.RequestPhaseRequestHeaders)
	headers.Set(":authority", "mutated.example.com")
	require.Equal(t, "example.com", req.Authority())
	require.Equal(t, "example.com", req.RequestHeader(":authority"))
	require.Empty(t, req.RawHeaders(filter.RequestPhaseResponseTrailers))
}
