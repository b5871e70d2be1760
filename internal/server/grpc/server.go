// Package grpc exposes the session, data and admin services as
// sshkeeper.v1.KeeperService. Requests and replies are
// google.protobuf.Struct messages shaped by package api.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"google.golang.org/grpc"
)

type GRPCServer struct {
	address string
	auth    authSvc
	data    dataSvc
	admin   adminSvc
	logger  logging.Logger
}

func NewGRPCServer(a string, l logging.Logger, as authSvc, ds dataSvc, ad adminSvc) *GRPCServer {
	return &GRPCServer{
		address: a,
		logger:  l.With("module", "grpc_server"),
		auth:    as,
		data:    ds,
		admin:   ad,
	}
}

// NewServer builds the gRPC server with the service and interceptors
// registered, without listening.
func (s *GRPCServer) NewServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.accessTokenInterceptor),
		grpc.MaxRecvMsgSize(api.MaxMessageSize),
		grpc.MaxSendMsgSize(api.MaxMessageSize),
	)
	srv.RegisterService(&serviceDesc, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
