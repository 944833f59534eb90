// Package extproctest drives a service.ExtProcessor over an in-memory gRPC connection, the same way Envoy
// does over the network.
package extproctest

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-username/service"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

type Harness struct {
	client extproc.ExternalProcessorClient
}

// NewHarness starts an ExtProcessor built from opts. Everything is torn down when the test ends.
func NewHarness(t *testing.T, opts ...service.Option) *Harness {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	extproc.RegisterExternalProcessorServer(srv, service.New(opts...))
	go func() {
		_ = srv.Serve(listener)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close() // nolint:errcheck
		srv.Stop()
	})
	return &Harness{
		client: extproc.NewExternalProcessorClient(conn),
	}
}

// Stream is one request as seen by the ext_proc service.
type Stream struct {
	t      *testing.T
	stream extproc.ExternalProcessor_ProcessClient
}

func (h *Harness) Open(t *testing.T) *Stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := h.client.Process(ctx)
	require.NoError(t, err)
	return &Stream{t: t, stream: stream}
}

// Send sends a message and waits for the reply.
func (s *Stream) Send(req *extproc.ProcessingRequest) *extproc.ProcessingResponse {
	s.t.Helper()
	require.NoError(s.t, s.stream.Send(req))
	resp, err := s.stream.Recv()
	require.NoError(s.t, err)
	return resp
}

func (s *Stream) RequestHeaders(headers http.Header, endOfStream bool) *extproc.ProcessingResponse {
	s.t.Helper()
	return s.Send(&extproc.ProcessingRequest{
		Request: &extproc.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extproc.HttpHeaders{
				Headers:     HeaderMap(headers),
				EndOfStream: endOfStream,
			},
		},
	})
}

func (s *Stream) ResponseHeaders(headers http.Header, endOfStream bool) *extproc.ProcessingResponse {
	s.t.Helper()
	return s.Send(&extproc.ProcessingRequest{
		Request: &extproc.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extproc.HttpHeaders{
				Headers:     HeaderMap(headers),
				EndOfStream: endOfStream,
			},
		},
	})
}

// Close ends the stream like Envoy does when the request completes and waits for the service to return.
func (s *Stream) Close() {
	s.t.Helper()
	require.NoError(s.t, s.stream.CloseSend())
	_, err := s.stream.Recv()
	require.True(s.t, errors.Is(err, io.EOF), "expected the service to end the stream, got %v", err)
}

// HeaderMap converts headers to the lower case raw_value encoding Envoy uses.
func HeaderMap(headers http.Header) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{}
	for key, values := range headers {
		for _, value := range values {
			hm.Headers = append(hm.Headers, &corev3.HeaderValue{
				Key:      strings.ToLower(key),
				RawValue: []byte(value),
			})
		}
	}
	return hm
}

// Property reads a string property out of the dynamic metadata of a response.
func Property(resp *extproc.ProcessingResponse, namespace string, path ...string) (string, bool) {
	fields := resp.GetDynamicMetadata().GetFields()[namespace].GetStructValue().GetFields()
	for i, segment := range path {
		value, ok := fields[segment]
		if !ok {
			return "", false
		}
		if i == len(path)-1 {
			s, ok := value.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return "", false
			}
			return s.StringValue, true
		}
		fields = value.GetStructValue().GetFields()
	}
	return "", false
}
