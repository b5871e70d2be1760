package grpc

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/records"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/dmitrijs2005/sshkeeper/internal/server/services"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type authSvc interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string, remember bool) (*services.LoginResult, error)
	VerifyTOTP(ctx context.Context, pendingToken, code string, remember bool) (*services.LoginResult, error)
	LoginOIDC(ctx context.Context, idToken string, remember bool) (*services.LoginResult, error)
	Logout(ctx context.Context, userID string) error
	Lock(ctx context.Context, userID string) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	Status(ctx context.Context, userID string) (*services.Status, error)
	SetupTOTP(ctx context.Context, userID string) (*services.TOTPSetup, error)
	EnableTOTP(ctx context.Context, userID, code string) ([]string, error)
	RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error)
	DisableTOTP(ctx context.Context, userID, password, code string) error
	UserIDFromToken(token string) (string, error)
}

type dataSvc interface {
	SaveHost(ctx context.Context, userID string, h models.Host) (*models.Host, error)
	GetHost(ctx context.Context, userID, id string) (*models.Host, error)
	ListHosts(ctx context.Context, userID string) ([]models.Host, error)
	DeleteHost(ctx context.Context, userID, id string) error
	SaveCredential(ctx context.Context, userID string, c models.Credential) (*models.Credential, error)
	GetCredential(ctx context.Context, userID, id string) (*models.Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]models.Credential, error)
	DeleteCredential(ctx context.Context, userID, id string) error
}

type adminSvc interface {
	ExportVault(ctx context.Context, userID, passphrase string) ([]byte, *vaultfile.Metadata, error)
	ImportVault(ctx context.Context, userID string, enc, metaJSON []byte, passphrase string) (string, error)
	Backup(ctx context.Context, userID, passphrase string) (*vaultfile.BackupResult, error)
	MigrateMyData(ctx context.Context, userID string) (*records.MigrationReport, error)
	Health(ctx context.Context, userID string) (*services.Health, error)
}

// KeeperServer is the handler type of the service descriptor.
type KeeperServer interface {
	Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type methodFunc func(s *GRPCServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m methodFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*GRPCServer)
			if interceptor == nil {
				return m(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: api.FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return m(s, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: api.ServiceName,
	HandlerType: (*KeeperServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(api.MethodPing, (*GRPCServer).Ping),
		unary(api.MethodRegister, (*GRPCServer).Register),
		unary(api.MethodLogin, (*GRPCServer).Login),
		unary(api.MethodVerifyTOTP, (*GRPCServer).VerifyTOTP),
		unary(api.MethodLoginOIDC, (*GRPCServer).LoginOIDC),
		unary(api.MethodLogout, (*GRPCServer).Logout),
		unary(api.MethodLock, (*GRPCServer).Lock),
		unary(api.MethodChangePassword, (*GRPCServer).ChangePassword),
		unary(api.MethodStatus, (*GRPCServer).Status),
		unary(api.MethodSetupTOTP, (*GRPCServer).SetupTOTP),
		unary(api.MethodEnableTOTP, (*GRPCServer).EnableTOTP),
		unary(api.MethodDisableTOTP, (*GRPCServer).DisableTOTP),
		unary(api.MethodRegenerateCodes, (*GRPCServer).RegenerateBackupCodes),
		unary(api.MethodSaveHost, (*GRPCServer).SaveHost),
		unary(api.MethodGetHost, (*GRPCServer).GetHost),
		unary(api.MethodListHosts, (*GRPCServer).ListHosts),
		unary(api.MethodDeleteHost, (*GRPCServer).DeleteHost),
		unary(api.MethodSaveCredential, (*GRPCServer).SaveCredential),
		unary(api.MethodGetCredential, (*GRPCServer).GetCredential),
		unary(api.MethodListCredentials, (*GRPCServer).ListCredentials),
		unary(api.MethodDeleteCred, (*GRPCServer).DeleteCredential),
		unary(api.MethodMigrateMyData, (*GRPCServer).MigrateMyData),
		unary(api.MethodExportVault, (*GRPCServer).ExportVault),
		unary(api.MethodImportVault, (*GRPCServer).ImportVault),
		unary(api.MethodBackup, (*GRPCServer).Backup),
		unary(api.MethodHealth, (*GRPCServer).Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sshkeeper/v1/keeper.proto",
}

func decode(req *structpb.Struct, v any) error {
	if err := api.FromStruct(req, v); err != nil {
		return common.ErrInvalidInput
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	return api.ToStruct(v)
}

func (s *GRPCServer) callerID(ctx context.Context) (string, error) {
	id, ok := userIDFromContext(ctx)
	if !ok {
		return "", common.ErrorInternal
	}
	return id, nil
}

func loginReply(r *services.LoginResult) (*structpb.Struct, error) {
	return reply(api.LoginReply{Token: r.Token, UserID: r.UserID, Pending2FA: r.Pending2FA, ExpiresAt: r.ExpiresAt})
}

func (s *GRPCServer) Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(api.PingReply{Status: "OK"})
}

func (s *GRPCServer) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.Credentials
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	u, err := s.auth.Register(ctx, in.Username, in.Password)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "Registered", "username", in.Username)
	return reply(api.RegisterReply{UserID: u.ID, IsAdmin: u.IsAdmin})
}

func (s *GRPCServer) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.Credentials
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	r, err := s.auth.Login(ctx, in.Username, in.Password, in.Remember)
	if err != nil {
		return nil, err
	}
	return loginReply(r)
}

func (s *GRPCServer) VerifyTOTP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.VerifyTOTPRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	r, err := s.auth.VerifyTOTP(ctx, in.PendingToken, in.Code, in.Remember)
	if err != nil {
		return nil, err
	}
	return loginReply(r)
}

func (s *GRPCServer) LoginOIDC(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in api.OIDCRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	r, err := s.auth.LoginOIDC(ctx, in.IDToken, in.Remember)
	if err != nil {
		return nil, err
	}
	return loginReply(r)
}

func (s *GRPCServer) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Logout(ctx, uid); err != nil {
		return nil, err
	}
	return reply(api.Empty{})
}

func (s *GRPCServer) Lock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Lock(ctx, uid); err != nil {
		return nil, err
	}
	return reply(api.Empty{})
}

func (s *GRPCServer) ChangePassword(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.ChangePasswordRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.auth.ChangePassword(ctx, uid, in.OldPassword, in.NewPassword); err != nil {
		return nil, err
	}
	return reply(api.Empty{})
}

func (s *GRPCServer) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.auth.Status(ctx, uid)
	if err != nil {
		return nil, err
	}
	return reply(api.StatusReply{
		UserID:        st.UserID,
		Username:      st.Username,
		IsAdmin:       st.IsAdmin,
		IsOIDC:        st.IsOIDC,
		TOTPEnabled:   st.TOTPEnabled,
		Unlocked:      st.Unlocked,
		SchemaVersion: st.SchemaVersion,
	})
}

func (s *GRPCServer) SetupTOTP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	setup, err := s.auth.SetupTOTP(ctx, uid)
	if err != nil {
		return nil, err
	}
	return reply(api.TOTPSetupReply{Secret: setup.Secret, URL: setup.URL})
}

func (s *GRPCServer) EnableTOTP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.CodeRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	codes, err := s.auth.EnableTOTP(ctx, uid, in.Code)
	if err != nil {
		return nil, err
	}
	return reply(api.BackupCodesReply{Codes: codes})
}

func (s *GRPCServer) RegenerateBackupCodes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.CodeRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	codes, err := s.auth.RegenerateBackupCodes(ctx, uid, in.Code)
	if err != nil {
		return nil, err
	}
	return reply(api.BackupCodesReply{Codes: codes})
}

func (s *GRPCServer) DisableTOTP(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.CodeRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.auth.DisableTOTP(ctx, uid, in.Password, in.Code); err != nil {
		return nil, err
	}
	return reply(api.Empty{})
}

func hostToAPI(h *models.Host) api.Host {
	return api.Host{
		ID: h.ID, Name: h.Name, IP: h.IP, Port: h.Port, Username: h.Username, AuthType: h.AuthType,
		Password: h.Password, Key: h.Key, KeyPassword: h.KeyPassword, KeyType: h.KeyType,
		CreatedAt: h.CreatedAt, UpdatedAt: h.UpdatedAt,
	}
}

func hostFromAPI(h api.Host) models.Host {
	return models.Host{
		ID: h.ID, Name: h.Name, IP: h.IP, Port: h.Port, Username: h.Username, AuthType: h.AuthType,
		Password: h.Password, Key: h.Key, KeyPassword: h.KeyPassword, KeyType: h.KeyType,
	}
}

func credentialToAPI(c *models.Credential) api.Credential {
	return api.Credential{
		ID: c.ID, Name: c.Name, Username: c.Username, AuthType: c.AuthType,
		Password: c.Password, PrivateKey: c.PrivateKey, PublicKey: c.PublicKey,
		KeyPassword: c.KeyPassword, KeyType: c.KeyType,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func credentialFromAPI(c api.Credential) models.Credential {
	return models.Credential{
		ID: c.ID, Name: c.Name, Username: c.Username, AuthType: c.AuthType,
		Password: c.Password, PrivateKey: c.PrivateKey, PublicKey: c.PublicKey,
		KeyPassword: c.KeyPassword, KeyType: c.KeyType,
	}
}

func (s *GRPCServer) SaveHost(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.Host
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	h, err := s.data.SaveHost(ctx, uid, hostFromAPI(in))
	if err != nil {
		return nil, err
	}
	return reply(hostToAPI(h))
}

func (s *GRPCServer) GetHost(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.IDRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	h, err := s.data.GetHost(ctx, uid, in.ID)
	if err != nil {
		return nil, err
	}
	return reply(hostToAPI(h))
}

func (s *GRPCServer) ListHosts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	hosts, err := s.data.ListHosts(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := api.HostList{Hosts: make([]api.Host, len(hosts))}
	for i := range hosts {
		out.Hosts[i] = hostToAPI(&hosts[i])
	}
	return reply(out)
}

func (s *GRPCServer) DeleteHost(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.IDRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.data.DeleteHost(ctx, uid, in.ID); err != nil {
		return nil, err
	}
	return reply(api.Empty{})
}

func (s *GRPCServer) SaveCredential(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.Credential
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	c, err := s.data.SaveCredential(ctx, uid, credentialFromAPI(in))
	if err != nil {
		return nil, err
	}
	return reply(credentialToAPI(c))
}

func (s *GRPCServer) GetCredential(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.IDRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	c, err := s.data.GetCredential(ctx, uid, in.ID)
	if err != nil {
		return nil, err
	}
	return reply(credentialToAPI(c))
}

func (s *GRPCServer) ListCredentials(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := s.data.ListCredentials(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := api.CredentialList{Credentials: make([]api.Credential, len(creds))}
	for i := range creds {
		out.Credentials[i] = credentialToAPI(&creds[i])
	}
	return reply(out)
}

func (s *GRPCServer) DeleteCredential(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.IDRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := s.data.DeleteCredential(ctx, uid, in.ID); err != nil {
		return nil, err
	}
	return reply(api.Empty{})
}

func (s *GRPCServer) MigrateMyData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	report, err := s.admin.MigrateMyData(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := api.MigrationReport{UserID: report.UserID}
	for _, k := range report.Kinds {
		out.Kinds = append(out.Kinds, api.KindReport{
			Kind: string(k.Kind), Records: k.Records, Updated: k.Updated,
			Plaintext: k.Plaintext, Legacy: k.Legacy, Failed: k.Failed,
		})
	}
	s.logger.Info(ctx, "data migrated", "user_id", uid, "updated", report.Updated(), "failed", report.Failed())
	return reply(out)
}

func (s *GRPCServer) ExportVault(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.VaultRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	enc, meta, err := s.admin.ExportVault(ctx, uid, in.Passphrase)
	if err != nil {
		return nil, err
	}
	metaJSON, err := meta.Marshal()
	if err != nil {
		return nil, err
	}
	return reply(api.Vault{Data: enc, Metadata: metaJSON})
}

func (s *GRPCServer) ImportVault(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.Vault
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	staged, err := s.admin.ImportVault(ctx, uid, in.Data, in.Metadata, in.Passphrase)
	if err != nil {
		return nil, err
	}
	return reply(api.ImportReply{StagedPath: staged})
}

func (s *GRPCServer) Backup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in api.VaultRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	res, err := s.admin.Backup(ctx, uid, in.Passphrase)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(res.Metadata)
	if err != nil {
		return nil, err
	}
	return reply(api.BackupReply{Path: res.Path, Uploaded: res.Uploaded, Metadata: metaJSON})
}

func (s *GRPCServer) Health(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := s.callerID(ctx)
	if err != nil {
		return nil, err
	}
	h, err := s.admin.Health(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := api.Health{IntegrityTotal: h.IntegrityTotal, UnlockedUsers: h.UnlockedUsers}
	for _, st := range h.Integrity {
		out.Integrity = append(out.Integrity, api.IntegrityStat{
			Kind: st.Kind, Field: st.Field, Count: st.Count,
			LastRecordID: st.LastRecordID, LastError: st.LastError, LastSeen: st.LastSeen,
		})
	}
	for _, b := range h.Backups {
		out.Backups = append(out.Backups, api.BackupFile{Path: b.Path, Size: b.Size, Modified: b.Modified})
	}
	return reply(out)
}
