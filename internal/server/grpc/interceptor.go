package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const userIDKey ctxKey = "userID"

func userIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndex(fullMethod, "/")+1:]
}

// accessTokenInterceptor resolves the access_token metadata to a user id
// for every method that is not public.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {

	if api.Public[methodName(info.FullMethod)] {
		return handler(ctx, req)
	}

	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get(common.AccessTokenHeaderName)
		if len(values) > 0 {
			accessToken = values[0]
		}
	}
	if len(accessToken) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	userID, err := s.auth.UserIDFromToken(accessToken)
	if err != nil {
		return nil, api.ToStatus(err)
	}

	ctx = context.WithValue(ctx, userIDKey, userID)
	return handler(ctx, req)
}

// loggingInterceptor logs each call and converts service errors to
// statuses. Expected auth failures are logged at debug level.
func (s *GRPCServer) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := methodName(info.FullMethod)

	switch {
	case err == nil:
		s.logger.Debug(ctx, "call", "method", method, "duration", time.Since(start))
	case errors.Is(err, common.ErrAuthenticationFailed), errors.Is(err, common.ErrSessionExpired),
		errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrInvalidInput):
		s.logger.Debug(ctx, "call rejected", "method", method, "error", err)
	case status.Code(err) != codes.Unknown:
		s.logger.Debug(ctx, "call rejected", "method", method, "code", status.Code(err).String())
	default:
		s.logger.Error(ctx, "call failed", "method", method, "error", err)
	}
	return resp, api.ToStatus(err)
}
