package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getyourguide/extproc-username/config"
	"github.com/getyourguide/extproc-username/filter"
	"github.com/getyourguide/extproc-username/filters/accesslog"
	"github.com/getyourguide/extproc-username/filters/username"
	"github.com/getyourguide/extproc-username/logging"
	"github.com/getyourguide/extproc-username/server"
	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "extproc-username: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags()
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	log, flush, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{
		server.WithLogger(log),
		server.WithGrpcAddress(cfg.GRPC.Network, cfg.GRPC.Address),
		server.WithMetadataNamespace(cfg.Metadata.Namespace),
		server.WithTracer(otel.Tracer("github.com/getyourguide/extproc-username")),
		server.WithRoots(roots(cfg, log)...),
	}
	if cfg.Echo.Enabled {
		opts = append(opts, server.WithEchoAddress(cfg.Echo.Address))
	}

	log.Info("starting extproc-username", "namespace", cfg.Metadata.Namespace)
	if err := server.New(ctx, opts...).Serve(); err != nil {
		log.Error(err, "server stopped")
		return err
	}
	return nil
}

func roots(cfg config.Config, log logr.Logger) []filter.RootContext {
	roots := []filter.RootContext{
		username.NewRoot(
			username.WithLogger(log.WithName("username")),
			username.WithMeterProvider(otel.GetMeterProvider()),
		),
	}
	if cfg.AccessLog.Enabled {
		roots = append(roots, accesslog.NewRoot(log.WithName("accesslog"), accesslog.ParseProperties(cfg.AccessLog.Properties)))
	}
	return roots
}
