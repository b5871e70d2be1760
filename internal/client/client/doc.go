// Package client talks to the sshkeeper server on behalf of vaultctl.
//
// # Overview
//
// GRPCClient implements Client over a plain gRPC connection. Messages are
// google.protobuf.Struct values in the shapes defined by package api; the
// access token from the last successful login is attached to every call as
// access_token metadata by a unary interceptor.
//
// # Error Handling
//
// Statuses produced by the server are mapped back to the sentinel errors of
// package common (see api.FromStatus), so callers can match
// common.ErrAuthenticationFailed, common.ErrSessionExpired,
// common.ErrForbidden and friends with errors.Is. Transport problems become
// ErrUnavailable.
//
// Concurrency & Contexts
//
// A GRPCClient holds the current token and is not meant for concurrent logins.
// All operations accept context.Context and honor cancellation.
package client
