package server

import (
	"log/slog"

	"github.com/matt-riley/flaggate/internal/gate"
	"github.com/matt-riley/flaggate/internal/metrics"
	"github.com/matt-riley/flaggate/internal/middleware"
	"github.com/matt-riley/flaggate/internal/refresher"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type GRPCOption func(*grpcConfig)

type grpcConfig struct {
	metrics     *metrics.Metrics
	logger      *slog.Logger
	methodFlags map[string]string
	register    []func(grpc.ServiceRegistrar)
}

func WithGRPCMetrics(m *metrics.Metrics) GRPCOption {
	return func(c *grpcConfig) {
		c.metrics = m
	}
}

func WithGRPCLogger(logger *slog.Logger) GRPCOption {
	return func(c *grpcConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGatedMethods maps full gRPC method names to the flag that must be on
// for the call to run.
func WithGatedMethods(methodFlags map[string]string) GRPCOption {
	return func(c *grpcConfig) {
		c.methodFlags = methodFlags
	}
}

// WithService registers an additional service on the server.
func WithService(register func(grpc.ServiceRegistrar)) GRPCOption {
	return func(c *grpcConfig) {
		if register != nil {
			c.register = append(c.register, register)
		}
	}
}

// GRPCServer is a grpc.Server carrying the standard health service. Health
// reports NOT_SERVING until the first snapshot is published.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
}

func NewGRPCServer(evaluator Evaluator, opts ...GRPCOption) *GRPCServer {
	if evaluator == nil {
		panic("evaluator is nil")
	}

	cfg := &grpcConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	unary := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(cfg.logger)}
	stream := []grpc.StreamServerInterceptor{middleware.StreamRequestLoggingInterceptor(cfg.logger)}
	var gateOpts []gate.Option
	if cfg.metrics != nil {
		unary = append(unary, cfg.metrics.UnaryServerInterceptor())
		stream = append(stream, cfg.metrics.StreamServerInterceptor())
		gateOpts = append(gateOpts, gate.WithOnDeny(cfg.metrics.IncGateDenials))
	}
	if len(cfg.methodFlags) > 0 {
		unary = append(unary, gate.UnaryServerInterceptor(evaluator, cfg.methodFlags, gate.MetadataContext, nil, gateOpts...))
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	for _, register := range cfg.register {
		register(srv)
	}

	s := &GRPCServer{Server: srv, health: hs}
	if evaluator.Snapshot().Version() > 0 {
		s.markServing()
	} else {
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// RefreshSucceeded flips health to SERVING once a snapshot exists.
func (s *GRPCServer) RefreshSucceeded(result refresher.Result) {
	if result.Version > 0 {
		s.markServing()
	}
}

// RefreshFailed leaves health alone; the last snapshot keeps serving.
func (s *GRPCServer) RefreshFailed(error) {}

// GracefulStop marks the server NOT_SERVING before draining.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}

func (s *GRPCServer) markServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}
