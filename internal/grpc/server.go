// Package grpc поднимает gRPC сервер со стандартным сервисом health.
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/interceptors"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName имя сервиса в health-проверках
const ServiceName = "channel-subscriptions"

// Server gRPC сервер
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *logger.Logger
	port       string
}

// NewServer создает сервер с keepalive, логированием вызовов и восстановлением после паник
func NewServer(port string, log *logger.Logger, opts ...grpc.ServerOption) *Server {
	log = log.Named("grpc")

	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     5 * time.Minute,
		MaxConnectionAge:      time.Hour,
		MaxConnectionAgeGrace: 5 * time.Minute,
		Time:                  2 * time.Minute,
		Timeout:               20 * time.Second,
	}
	opts = append([]grpc.ServerOption{
		grpc.KeepaliveParams(kaParams),
		grpc.ChainUnaryInterceptor(
			interceptors.Recovery(log),
			interceptors.Logging(log),
		),
	}, opts...)

	grpcServer := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		log:        log,
		port:       port,
	}
	s.SetServing(true)
	return s
}

// SetServing переключает статус health для всего сервера и для ServiceName
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start слушает порт и обслуживает запросы до Stop
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve обслуживает запросы на готовом listener
func (s *Server) Serve(lis net.Listener) error {
	s.log.Infow("Starting gRPC server", "addr", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop переводит health в NOT_SERVING и ждет завершения вызовов до отмены ctx
func (s *Server) Stop(ctx context.Context) {
	s.log.Infow("Stopping gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnw("gRPC graceful stop timed out, forcing")
		s.grpcServer.Stop()
	}
}
