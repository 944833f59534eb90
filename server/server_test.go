package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-username/filters/username"
	"github.com/getyourguide/extproc-username/httptest/echo"
	"github.com/getyourguide/extproc-username/server"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestServer(t *testing.T) {
	t.Run("Serve with basic configuration", func(t *testing.T) {
		ctx, shutdown := context.WithCancel(context.Background())
		srv := server.New(ctx, server.WithGrpcAddress("tcp", "127.0.0.1:0"))
		require.False(t, server.IsReady(srv), "not ready before serving")
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve()
		}()
		err := server.WaitReady(srv, 10*time.Second)
		require.NoError(t, err)

		shutdown()
		err = <-errCh
		require.NoError(t, err)
		require.False(t, server.IsReady(srv), "not ready after stopping")
	})

	t.Run("Serve with echo", func(t *testing.T) {
		srv := server.New(context.Background(),
			server.WithEcho(),
			server.WithGrpcAddress("tcp", "127.0.0.1:0"),
			server.WithRoots(username.NewRoot()),
		)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve()
		}()
		err := server.WaitReady(srv, 10*time.Second)
		require.NoError(t, err)

		httpClient := http.Client{
			Timeout: time.Second,
		}
		echoURL := "http://:8080/headers"
		req, err := http.NewRequest(http.MethodGet, echoURL, nil)
		require.NoError(t, err)
		req.Header.Set("X-Test-Header", "test-value")

		res, err := httpClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)

		var resp echo.RequestHeaderResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))

		expectedHeaders := map[string]string{
			"X-Test-Header": "test-value",
			"Method":        http.MethodGet,
		}
		for key, expectedValue := range expectedHeaders {
			require.Equal(t, expectedValue, resp.Headers[key], "mismatch for header %s", key)
		}
		require.NoError(t, srv.Stop())
		err = <-errCh
		require.NoError(t, err)
	})

	t.Run("Serve on a unix socket", func(t *testing.T) {
		socket := filepath.Join(t.TempDir(), "extproc.sock")
		srv := server.New(context.Background(),
			server.WithGrpcAddress("unix", socket),
			server.WithRoots(username.NewRoot()),
		)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve()
		}()
		require.NoError(t, server.WaitReady(srv, 10*time.Second))

		conn, err := grpc.NewClient("unix://"+socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		require.Equal(t, healthpb.HealthCheckResponse_SERVING, health.GetStatus())

		stream, err := extproc.NewExternalProcessorClient(conn).Process(ctx)
		require.NoError(t, err)
		require.NoError(t, stream.Send(&extproc.ProcessingRequest{
			Request: &extproc.ProcessingRequest_RequestHeaders{
				RequestHeaders: &extproc.HttpHeaders{
					Headers: &corev3.HeaderMap{Headers: []*corev3.HeaderValue{{
						Key:      username.HeaderName,
						RawValue: []byte(base64.StdEncoding.EncodeToString([]byte("Alice"))),
					}}},
				},
			},
		}))
		resp, err := stream.Recv()
		require.NoError(t, err)
		require.NotNil(t, resp.GetRequestHeaders())
		require.NoError(t, stream.CloseSend())

		require.NoError(t, srv.Stop())
		require.NoError(t, <-errCh)
	})
}
