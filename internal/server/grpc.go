package server

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCHealth serves the standard gRPC health service. It reports
// NOT_SERVING until SetServing(true).
type GRPCHealth struct {
	srv    *grpc.Server
	hs     *health.Server
	lis    net.Listener
	logger *slog.Logger
}

func NewGRPCHealth(addr string, logger *slog.Logger) (*GRPCHealth, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	g := &GRPCHealth{srv: srv, hs: hs, lis: lis, logger: logger.With("component", "grpc")}
	g.SetServing(false)
	return g, nil
}

func (g *GRPCHealth) Addr() net.Addr { return g.lis.Addr() }

func (g *GRPCHealth) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.hs.SetServingStatus("", st)
	g.hs.SetServingStatus("docintake.Queue", st)
}

// Serve blocks until Stop.
func (g *GRPCHealth) Serve() error {
	g.logger.Info("grpc health serving", "addr", g.lis.Addr().String())
	return g.srv.Serve(g.lis)
}

func (g *GRPCHealth) Stop() {
	g.SetServing(false)
	g.srv.GracefulStop()
}
