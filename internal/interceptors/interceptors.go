// Package interceptors содержит unary интерцепторы gRPC сервера.
package interceptors

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Logging пишет метод, код ответа и длительность каждого вызова
func Logging(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.Named("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		fields := []interface{}{
			"method", info.FullMethod,
			"code", code.String(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if err != nil && code != codes.NotFound {
			log.Warnw("gRPC call failed", append(fields, "error", err)...)
		} else {
			log.Debugw("gRPC call handled", fields...)
		}
		return resp, err
	}
}

// Recovery превращает панику обработчика в codes.Internal
func Recovery(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.Named("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("gRPC handler panicked", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
