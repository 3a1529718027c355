package main

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lux-operating-system/servers-sub000/internal/logging"
)

// serveHealth runs a gRPC health-checking service (the standard
// grpc_health_v1 service shipped with google.golang.org/grpc) so a
// supervisor can poll liveness without speaking this module's own datagram
// protocol.
func serveHealth(logger *logging.Logger, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Err("health.listen", err)
		return
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("vfsrouter", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	logger.Printf("health service listening on %s", addr)
	if err := srv.Serve(lis); err != nil {
		logger.Err("health.serve", err)
	}
}
