package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-username/filter"
	"github.com/getyourguide/extproc-username/httptest/echo"
	"github.com/getyourguide/extproc-username/service"
	"github.com/go-logr/logr"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	defaultGrpcNetwork  = "tcp"
	defaultGrpcAddress  = ":8081"
	defaultHTTPBindAddr = ":8080"
)

type Server struct {
	serviceOpts []service.Option
	grpcServer  *grpc.Server
	grpcNetwork string
	grpcAddress string
	health      *health.Server
	echoConfig  echoConfig
	log         logr.Logger
	ctx         context.Context
}

type echoConfig struct {
	enabled     bool
	bindAddress string
	mux         *http.ServeMux
	httpsrv     *http.Server
}

type Option func(*Server)

func New(ctx context.Context, opts ...Option) *Server {
	srv := &Server{
		ctx:    ctx,
		log:    logr.Discard(),
		health: health.NewServer(),
	}

	// not serving until Serve is listening
	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, opt := range opts {
		opt(srv)
	}
	if srv.grpcAddress == "" {
		srv.grpcAddress = defaultGrpcAddress
	}
	if srv.grpcNetwork == "" {
		srv.grpcNetwork = defaultGrpcNetwork
	}
	if srv.echoConfig.enabled && srv.echoConfig.bindAddress == "" {
		srv.echoConfig.bindAddress = defaultHTTPBindAddr
	}

	return srv
}

func WithRoots(roots ...filter.RootContext) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithRoots(roots...))
	}
}

// WithLogger sets the logger of the server and of the ext_proc service.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
		s.serviceOpts = append(s.serviceOpts, service.WithLogger(log))
	}
}

func WithMetadataNamespace(namespace string) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithMetadataNamespace(namespace))
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithTracer(tracer))
	}
}

func WithGrpcServer(server *grpc.Server, network string, address string) Option {
	return func(s *Server) {
		s.grpcServer = server
		s.grpcNetwork = network
		s.grpcAddress = address
	}
}

// WithGrpcAddress sets where the default gRPC server listens, network is "tcp" or "unix".
func WithGrpcAddress(network string, address string) Option {
	return func(s *Server) {
		s.grpcNetwork = network
		s.grpcAddress = address
	}
}

func WithEcho() Option {
	return func(s *Server) {
		s.echoConfig.enabled = true
	}
}

func WithEchoAddress(address string) Option {
	return func(s *Server) {
		s.echoConfig.enabled = true
		s.echoConfig.bindAddress = address
	}
}

func WithEchoServerMux(mux *http.ServeMux, address string) Option {
	return func(s *Server) {
		s.echoConfig.enabled = true
		s.echoConfig.mux = mux
		s.echoConfig.bindAddress = address
	}
}

func (s *Server) newGrpcServer() *grpc.Server {
	recovery := grpcrecovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		s.log.Error(fmt.Errorf("%v", p), "recovered from panic in grpc handler")
		return status.Error(codes.Internal, "internal server error")
	})
	return grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcrecovery.UnaryServerInterceptor(recovery)),
		grpc.ChainStreamInterceptor(grpcrecovery.StreamServerInterceptor(recovery)),
	)
}

func (s *Server) Serve() error {
	if s.ctx == nil {
		s.ctx = context.TODO()
	}
	if s.grpcServer == nil {
		s.grpcServer = s.newGrpcServer()
	}
	extproc.RegisterExternalProcessorServer(s.grpcServer, service.New(s.serviceOpts...))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	errCh := make(chan error, 2)
	if s.echoConfig.enabled {
		if s.echoConfig.mux == nil {
			s.echoConfig.mux = http.NewServeMux()
		}

		echo.Register(s.echoConfig.mux)
		s.echoConfig.httpsrv = &http.Server{
			Addr:              s.echoConfig.bindAddress,
			Handler:           s.echoConfig.mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting http server", "address", s.echoConfig.bindAddress)
			if err := s.echoConfig.httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if s.grpcNetwork == "unix" {
		os.RemoveAll(s.grpcAddress) // nolint:errcheck
	}
	listener, err := net.Listen(s.grpcNetwork, s.grpcAddress)
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}
	go func() {
		s.log.Info("starting grpc server", "network", s.grpcNetwork, "address", listener.Addr().String())
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		errCh <- s.grpcServer.Serve(listener)
	}()

	select {
	case <-s.ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Stop() error {
	s.health.Shutdown()
	if s.grpcServer != nil {
		s.log.Info("stopping grpc server")
		s.grpcServer.GracefulStop()
	}
	if s.grpcNetwork == "unix" {
		os.RemoveAll(s.grpcAddress) // nolint:errcheck
	}
	if s.echoConfig.httpsrv == nil {
		return nil
	}
	s.log.Info("stopping http server")
	if err := s.echoConfig.httpsrv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}
	return nil
}

// IsReady reports whether the gRPC health service is serving and, if enabled, the echo server answers.
func IsReady(s *Server) bool {
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false
	}
	if s.echoConfig.enabled {
		httpClient := http.Client{
			Timeout: 5 * time.Second,
		}
		res, err := httpClient.Get(fmt.Sprintf("http://%s/headers", s.echoConfig.bindAddress))
		if err != nil {
			return false
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return false
		}
	}
	return true
}

func WaitReady(s *Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tck := time.NewTicker(100 * time.Millisecond)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
			if IsReady(s) {
				return nil
			}
		}
	}
}
