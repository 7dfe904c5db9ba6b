package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs each unary call with its status code and latency.
// Internal failures are logged at error level; rejected requests at info.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		level := zap.InfoLevel
		if code == codes.Internal || code == codes.Unknown {
			level = zap.ErrorLevel
		}
		if entry := logger.Check(level, "grpc call"); entry != nil {
			fields := []zap.Field{
				zap.String("method", info.FullMethod),
				zap.String("code", code.String()),
				zap.Duration("elapsed", time.Since(started)),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			entry.Write(fields...)
		}
		return response, err
	}
}
