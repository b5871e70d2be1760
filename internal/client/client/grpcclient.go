package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	cc          grpc.ClientConnInterface

	mu           sync.Mutex
	accessToken  string
	pendingToken string
	remember     bool
}

var _ Client = (*GRPCClient)(nil)

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if t := s.token(); t != "" {
		ctx = withAccessToken(ctx, t)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// NewGRPCClient dials endpointURL lazily; the first call connects.
func NewGRPCClient(endpointURL string) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL}
	if err := c.InitGRPCClient(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient() error {
	conn, err := grpc.NewClient(s.endpointURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.accessTokenInterceptor),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(api.MaxMessageSize),
			grpc.MaxCallSendMsgSize(api.MaxMessageSize),
		),
	)
	if err != nil {
		return err
	}
	s.conn = conn
	s.cc = conn
	return nil
}

func (s *GRPCClient) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// SetToken installs a token obtained elsewhere, e.g. from the environment.
func (s *GRPCClient) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}

func (s *GRPCClient) call(ctx context.Context, method string, in, out any) error {
	req, err := api.ToStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := s.cc.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return s.mapError(err)
	}
	if out == nil {
		return nil
	}
	return api.FromStruct(resp, out)
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.Unauthenticated:
		if mapped := api.FromStatus(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	default:
		return api.FromStatus(err)
	}
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	var resp api.PingReply
	if err := s.call(ctx, api.MethodPing, api.Empty{}, &resp); err != nil {
		return err
	}
	if resp.Status != "OK" {
		return ErrUnavailable
	}
	return nil
}

// Login runs the password step. When the account has a second factor the
// reply is pending and VerifyTOTP must follow.
func (s *GRPCClient) Login(ctx context.Context, username, password string) (*api.LoginReply, error) {
	var resp api.LoginReply
	if err := s.call(ctx, api.MethodLogin, api.Credentials{Username: username, Password: password, Remember: s.remember}, &resp); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.Pending2FA {
		s.pendingToken = resp.Token
		s.accessToken = ""
	} else {
		s.accessToken = resp.Token
		s.pendingToken = ""
	}
	return &resp, nil
}

// SetRemember asks for long-lived sessions on the next login.
func (s *GRPCClient) SetRemember(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remember = v
}

func (s *GRPCClient) VerifyTOTP(ctx context.Context, code string) (*api.LoginReply, error) {
	s.mu.Lock()
	pending, remember := s.pendingToken, s.remember
	s.mu.Unlock()
	if pending == "" {
		return nil, ErrNoPending2FA
	}

	var resp api.LoginReply
	if err := s.call(ctx, api.MethodVerifyTOTP, api.VerifyTOTPRequest{PendingToken: pending, Code: code, Remember: remember}, &resp); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.accessToken, s.pendingToken = resp.Token, ""
	s.mu.Unlock()
	return &resp, nil
}

func (s *GRPCClient) Logout(ctx context.Context) error {
	if err := s.call(ctx, api.MethodLogout, api.Empty{}, nil); err != nil {
		return err
	}
	s.SetToken("")
	return nil
}

func (s *GRPCClient) Status(ctx context.Context) (*api.StatusReply, error) {
	var resp api.StatusReply
	if err := s.call(ctx, api.MethodStatus, api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *GRPCClient) ExportVault(ctx context.Context, passphrase string) (*api.Vault, error) {
	var resp api.Vault
	if err := s.call(ctx, api.MethodExportVault, api.VaultRequest{Passphrase: passphrase}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *GRPCClient) ImportVault(ctx context.Context, vault *api.Vault) (string, error) {
	var resp api.ImportReply
	if err := s.call(ctx, api.MethodImportVault, vault, &resp); err != nil {
		return "", err
	}
	return resp.StagedPath, nil
}

func (s *GRPCClient) Backup(ctx context.Context, passphrase string) (*api.BackupReply, error) {
	var resp api.BackupReply
	if err := s.call(ctx, api.MethodBackup, api.VaultRequest{Passphrase: passphrase}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *GRPCClient) MigrateMyData(ctx context.Context) (*api.MigrationReport, error) {
	var resp api.MigrationReport
	if err := s.call(ctx, api.MethodMigrateMyData, api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *GRPCClient) Health(ctx context.Context) (*api.Health, error) {
	var resp api.Health
	if err := s.call(ctx, api.MethodHealth, api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
