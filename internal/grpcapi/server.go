// Package grpcapi exposes token validation and revocation to other suite
// services over gRPC.
package grpcapi

import (
	"context"
	"errors"
	"time"

	"github.com/gmpsuite/gmpauth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName          = "gmpsuite.auth.v1.TokenService"
	MethodValidateToken  = "/" + ServiceName + "/ValidateToken"
	MethodRevokeToken    = "/" + ServiceName + "/RevokeToken"
	serviceMetadataProto = "gmpsuite/auth/v1/token_service.proto"
)

// TokenService is the server side of gmpsuite.auth.v1.TokenService.
type TokenService interface {
	ValidateToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements TokenService on top of the engine.
type Server struct {
	engine *gmpauth.Engine
}

func NewServer(engine *gmpauth.Engine) *Server {
	return &Server{engine: engine}
}

// NewGRPCServer builds a grpc.Server with the token service, the standard
// health service and request logging. The returned health server lets the
// caller flip serving status on shutdown.
func NewGRPCServer(engine *gmpauth.Engine, logger *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(logger.With(zap.String("module", "grpc")))))
	srv := grpc.NewServer(opts...)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	Register(srv, NewServer(engine))
	return srv, healthSrv
}

// Register adds svc under the hand-written service descriptor.
func Register(server grpc.ServiceRegistrar, svc TokenService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*TokenService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ValidateToken", Handler: unaryHandler(MethodValidateToken, svc.ValidateToken)},
			{MethodName: "RevokeToken", Handler: unaryHandler(MethodRevokeToken, svc.RevokeToken)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: serviceMetadataProto,
	}, svc)
}

// ValidateToken answers {valid:false, reason} for rejected tokens. Only a
// revocation list outage is an RPC error, so callers can tell "invalid" from
// "could not check".
func (s *Server) ValidateToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := req.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}

	claims, err := s.engine.ValidateAccess(ctx, token)
	if err != nil {
		if st := unavailable(err); st != nil {
			return nil, st
		}
		return newStruct(map[string]any{"valid": false, "reason": reasonFor(err)})
	}

	return newStruct(map[string]any{
		"valid":       true,
		"user_id":     claims.UserID,
		"username":    claims.Username,
		"site":        claims.Site,
		"roles":       stringList(claims.Roles),
		"permissions": stringList(claims.Permissions),
		"token_id":    claims.TokenID,
		"session_id":  claims.SessionID,
		"expires_at":  claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) RevokeToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := req.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}
	if err := s.engine.Revoke(ctx, token); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"revoked": true})
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

// structpb only accepts []any for lists.
func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func unavailable(err error) error {
	if errors.Is(err, gmpauth.ErrRevocationUnavailable) || errors.Is(err, gmpauth.ErrEngineNotReady) {
		return status.Error(codes.Unavailable, "authentication backend unavailable")
	}
	return nil
}

func toStatus(err error) error {
	if st := unavailable(err); st != nil {
		return st
	}
	switch {
	case errors.Is(err, gmpauth.ErrTokenInvalid), errors.Is(err, gmpauth.ErrTokenExpired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, gmpauth.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, gmpauth.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, gmpauth.ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, gmpauth.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, gmpauth.ErrAccountLocked), errors.Is(err, gmpauth.ErrAccountDisabled):
		return "account_inactive"
	default:
		return "token_invalid"
	}
}

type method func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func loggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("operation", info.FullMethod),
			zap.String("outcome", "success"),
			zap.String("code", code.String()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		switch code {
		case codes.OK:
			log.Debug("grpc request completed", fields...)
		case codes.Internal, codes.Unavailable:
			fields[1] = zap.String("outcome", "failure")
			log.Error("grpc request completed", append(fields, zap.Error(err))...)
		default:
			fields[1] = zap.String("outcome", "failure")
			log.Warn("grpc request completed", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}
