// Command healthcheck probes the gRPC health service of extproc-username and exits non-zero unless it is serving.
// It is meant as a container HEALTHCHECK, where no shell or grpc_health_probe is available.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	target := pflag.String("target", "localhost:8081", "gRPC target, e.g. localhost:8081 or unix:///var/run/extproc/extproc.sock")
	timeout := pflag.Duration("timeout", 2*time.Second, "probe timeout")
	pflag.Parse()

	conn, err := grpc.NewClient(*target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("connecting to %s: %v", *target, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("checking %s: %v", *target, err)
	}

	log.Printf("checking %s -> %s", *target, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}
