package api

import (
	"context"
	"strings"

	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor creates a gRPC unary interceptor that records request
// counts and latency per method
func MetricsInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
		if err != nil {
			logger.Debug().Err(err).Str("method", info.FullMethod).Str("code", code.String()).Msg("gRPC request failed")
		}
		return resp, err
	}
}

// methodName extracts the method from a full gRPC path
// (e.g., "/grpc.health.v1.Health/Check" -> "Check")
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return fullMethod
	}
	return parts[len(parts)-1]
}
