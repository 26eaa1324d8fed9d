package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// NewServer builds a gRPC server with logging and bearer-token interceptors and the admin service registered.
func NewServer(admin AdminServiceServer, authority *TokenAuthority, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger), authority.UnaryInterceptor()))
	RegisterAdminServiceServer(server, admin)
	return server
}

// Serve runs server on listener until ctx is cancelled, then drains within grace.
func Serve(ctx context.Context, server *grpc.Server, listener net.Listener, grace time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc admin listening", zap.String("addr", listener.Addr().String()))
		errCh <- server.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grace):
			logger.Warn("grpc graceful stop timed out")
			server.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		if err != nil {
			logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
			return response, err
		}
		logger.Debug("grpc call", fields...)
		return response, nil
	}
}
