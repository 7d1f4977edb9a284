package middleware

import (
	"context"
	"fmt"
	"time"

	"chat-realtime/internal/platform/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// grpcRequestIDKey gRPC metadata 中的 request id
const grpcRequestIDKey = "x-request-id"

// GRPCUnaryInterceptor 管理 gRPC 服務的一元攔截器：trace、記錄與 panic 復原
// 使用方式：grpc.NewServer(grpc.ChainUnaryInterceptor(middleware.GRPCUnaryInterceptor()))
func GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		ctx = grpcTraceContext(ctx)
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = status.Errorf(codes.Internal, "internal error")
				logger.Critical(ctx, "gRPC handler panic",
					logger.WithAction(info.FullMethod),
					logger.WithError(fmt.Errorf("%v", r)))
			}
			logGRPC(ctx, info.FullMethod, start, err)
		}()

		return handler(ctx, req)
	}
}

// GRPCStreamInterceptor 串流 RPC（health Watch）攔截器
func GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		ctx := grpcTraceContext(ss.Context())
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = status.Errorf(codes.Internal, "internal error")
				logger.Critical(ctx, "gRPC stream panic",
					logger.WithAction(info.FullMethod),
					logger.WithError(fmt.Errorf("%v", r)))
			}
			logGRPC(ctx, info.FullMethod, start, err)
		}()

		return handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}

func grpcTraceContext(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(grpcRequestIDKey); len(values) > 0 && values[0] != "" {
			return logger.WithTraceID(ctx, values[0])
		}
	}
	return logger.WithTraceID(ctx, logger.NewTraceID())
}

func logGRPC(ctx context.Context, method string, start time.Time, err error) {
	code := status.Code(err)
	details := map[string]interface{}{
		"code":       code.String(),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if err != nil && code != codes.Canceled {
		logger.Warning(ctx, "gRPC 請求失敗", logger.WithAction(method), logger.WithError(err), logger.WithDetails(details))
		return
	}
	logger.Debug(ctx, "gRPC 請求完成", logger.WithAction(method), logger.WithDetails(details))
}
