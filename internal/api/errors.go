package api

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errMapping struct {
	err  error
	code codes.Code
	msg  string
}

// Order matters: the first match wins, and FromStatus matches on
// (code, message) in the same order.
var mappings = []errMapping{
	{common.ErrAuthenticationFailed, codes.Unauthenticated, common.ErrAuthenticationFailed.Error()},
	{common.ErrSessionExpired, codes.Unauthenticated, common.ErrSessionExpired.Error()},
	{common.ErrTokenExpired, codes.Unauthenticated, common.ErrSessionExpired.Error()},
	{common.ErrInvalidToken, codes.Unauthenticated, common.ErrInvalidToken.Error()},
	{common.ErrTOTPRequired, codes.Unauthenticated, common.ErrTOTPRequired.Error()},
	{common.ErrSetupConflict, codes.AlreadyExists, common.ErrSetupConflict.Error()},
	{common.ErrorAlreadyExists, codes.AlreadyExists, common.ErrorAlreadyExists.Error()},
	{common.ErrIntegrity, codes.DataLoss, common.ErrIntegrity.Error()},
	{common.ErrContextMismatch, codes.DataLoss, common.ErrContextMismatch.Error()},
	{common.ErrUnsupportedVersion, codes.InvalidArgument, common.ErrUnsupportedVersion.Error()},
	{common.ErrInvalidInput, codes.InvalidArgument, common.ErrInvalidInput.Error()},
	{common.ErrForbidden, codes.PermissionDenied, common.ErrForbidden.Error()},
	{common.ErrRateLimited, codes.ResourceExhausted, common.ErrRateLimited.Error()},
	{common.ErrorNotFound, codes.NotFound, common.ErrorNotFound.Error()},
	{common.ErrKeyDerivation, codes.Internal, common.ErrKeyDerivation.Error()},
}

// ToStatus converts a service error into a gRPC status. Details of
// unexpected errors are not sent to the caller.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return status.Error(m.code, m.msg)
		}
	}
	return status.Error(codes.Internal, common.ErrorInternal.Error())
}

// FromStatus turns a status produced by ToStatus back into the matching
// sentinel, so callers can use errors.Is on both sides of the wire.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	for _, m := range mappings {
		if st.Code() == m.code && st.Message() == m.msg {
			return m.err
		}
	}
	if st.Code() == codes.Internal && st.Message() == common.ErrorInternal.Error() {
		return common.ErrorInternal
	}
	return err
}
