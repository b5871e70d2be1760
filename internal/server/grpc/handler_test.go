package grpc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/fieldcrypt"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/records"
	"github.com/dmitrijs2005/sshkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/dmitrijs2005/sshkeeper/internal/server/services"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const testSecret = "k"

// ---- fakes ----

type fakeAuth struct {
	loginResp *services.LoginResult
	loginErr  error
	lastLogin api.Credentials
	lockedFor string
}

func (f *fakeAuth) Register(ctx context.Context, username, password string) (*models.User, error) {
	return &models.User{ID: "u1", Username: username, IsAdmin: true}, nil
}
func (f *fakeAuth) Login(ctx context.Context, username, password string, remember bool) (*services.LoginResult, error) {
	f.lastLogin = api.Credentials{Username: username, Password: password, Remember: remember}
	return f.loginResp, f.loginErr
}
func (f *fakeAuth) VerifyTOTP(ctx context.Context, pendingToken, code string, remember bool) (*services.LoginResult, error) {
	if code != "123456" {
		return nil, common.ErrAuthenticationFailed
	}
	return &services.LoginResult{Token: "full", UserID: "u1"}, nil
}
func (f *fakeAuth) LoginOIDC(ctx context.Context, idToken string, remember bool) (*services.LoginResult, error) {
	return nil, common.ErrAuthenticationFailed
}
func (f *fakeAuth) Logout(ctx context.Context, userID string) error { return nil }
func (f *fakeAuth) Lock(ctx context.Context, userID string) error {
	f.lockedFor = userID
	return nil
}
func (f *fakeAuth) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	return nil
}
func (f *fakeAuth) Status(ctx context.Context, userID string) (*services.Status, error) {
	return &services.Status{UserID: userID, Username: "alice", Unlocked: true, SchemaVersion: 2}, nil
}
func (f *fakeAuth) SetupTOTP(ctx context.Context, userID string) (*services.TOTPSetup, error) {
	return &services.TOTPSetup{Secret: "S", URL: "otpauth://totp/x"}, nil
}
func (f *fakeAuth) EnableTOTP(ctx context.Context, userID, code string) ([]string, error) {
	return []string{"aaaaa-bbbbb"}, nil
}
func (f *fakeAuth) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	return []string{"ccccc-ddddd"}, nil
}
func (f *fakeAuth) DisableTOTP(ctx context.Context, userID, password, code string) error { return nil }
func (f *fakeAuth) UserIDFromToken(token string) (string, error) {
	return auth.GetUserIDFromToken(token, []byte(testSecret))
}

type fakeData struct {
	saved   models.Host
	saveUID string
	hosts   []models.Host
	err     error
}

func (f *fakeData) SaveHost(ctx context.Context, userID string, h models.Host) (*models.Host, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.saveUID, f.saved = userID, h
	h.ID = "h1"
	return &h, nil
}
func (f *fakeData) GetHost(ctx context.Context, userID, id string) (*models.Host, error) {
	return nil, common.ErrorNotFound
}
func (f *fakeData) ListHosts(ctx context.Context, userID string) ([]models.Host, error) {
	return f.hosts, f.err
}
func (f *fakeData) DeleteHost(ctx context.Context, userID, id string) error { return f.err }
func (f *fakeData) SaveCredential(ctx context.Context, userID string, c models.Credential) (*models.Credential, error) {
	c.ID = "c1"
	return &c, f.err
}
func (f *fakeData) GetCredential(ctx context.Context, userID, id string) (*models.Credential, error) {
	return nil, common.ErrorNotFound
}
func (f *fakeData) ListCredentials(ctx context.Context, userID string) ([]models.Credential, error) {
	return nil, f.err
}
func (f *fakeData) DeleteCredential(ctx context.Context, userID, id string) error { return f.err }

type fakeAdmin struct {
	exported []byte
	imported []byte
	err      error
}

func (f *fakeAdmin) ExportVault(ctx context.Context, userID, passphrase string) ([]byte, *vaultfile.Metadata, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.exported, &vaultfile.Metadata{Version: vaultfile.VersionCurrent, KeySource: vaultfile.KeySourcePassphrase}, nil
}
func (f *fakeAdmin) ImportVault(ctx context.Context, userID string, enc, metaJSON []byte, passphrase string) (string, error) {
	if _, err := vaultfile.ParseMetadata(metaJSON); err != nil {
		return "", err
	}
	f.imported = enc
	return "/data/sshkeeper.db.restore", f.err
}
func (f *fakeAdmin) Backup(ctx context.Context, userID, passphrase string) (*vaultfile.BackupResult, error) {
	return &vaultfile.BackupResult{Path: "b.enc", Metadata: &vaultfile.Metadata{Version: vaultfile.VersionCurrent}}, f.err
}
func (f *fakeAdmin) MigrateMyData(ctx context.Context, userID string) (*records.MigrationReport, error) {
	return &records.MigrationReport{UserID: userID, Kinds: []records.KindReport{{Kind: records.KindHosts, Records: 3, Updated: 2}}}, nil
}
func (f *fakeAdmin) Health(ctx context.Context, userID string) (*services.Health, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.Health{
		Integrity:      []fieldcrypt.IntegrityStat{{Kind: "ssh_data", Field: "password", Count: 2}},
		IntegrityTotal: 2,
		UnlockedUsers:  1,
	}, nil
}

// ---- helpers ----

func newServer(a authSvc, d dataSvc, ad adminSvc) *GRPCServer {
	return NewGRPCServer("127.0.0.1:0", logging.Discard(), a, d, ad)
}

// dial serves s over an in-memory listener and returns a connected client.
func dial(t *testing.T, s *GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := s.NewServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(ctx context.Context, conn *grpc.ClientConn, method string, in, out any) error {
	req, err := api.ToStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return api.FromStruct(resp, out)
}

func authed(t *testing.T, userID string) context.Context {
	t.Helper()
	token, err := auth.GenerateToken(userID, []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), common.AccessTokenHeaderName, token)
}

// ---- tests ----

func TestPing_OK(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))

	var out api.PingReply
	if err := call(context.Background(), conn, api.MethodPing, api.Empty{}, &out); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if out.Status != "OK" {
		t.Fatalf("unexpected status: %q", out.Status)
	}
}

func TestLogin_OK(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &fakeAuth{loginResp: &services.LoginResult{Token: "tok", UserID: "u1", Pending2FA: true, ExpiresAt: exp}}
	conn := dial(t, newServer(a, &fakeData{}, &fakeAdmin{}))

	var out api.LoginReply
	err := call(context.Background(), conn, api.MethodLogin, api.Credentials{Username: "alice", Password: "pw", Remember: true}, &out)
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if out.Token != "tok" || !out.Pending2FA || !out.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected reply: %+v", out)
	}
	if a.lastLogin != (api.Credentials{Username: "alice", Password: "pw", Remember: true}) {
		t.Fatalf("unexpected login args: %+v", a.lastLogin)
	}
}

func TestLogin_Unauthenticated(t *testing.T) {
	a := &fakeAuth{loginErr: common.ErrAuthenticationFailed}
	conn := dial(t, newServer(a, &fakeData{}, &fakeAdmin{}))

	err := call(context.Background(), conn, api.MethodLogin, api.Credentials{Username: "alice"}, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", status.Code(err))
	}
	if !errors.Is(api.FromStatus(err), common.ErrAuthenticationFailed) {
		t.Fatalf("want ErrAuthenticationFailed, got %v", err)
	}
}

func TestVerifyTOTP(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))

	var out api.LoginReply
	if err := call(context.Background(), conn, api.MethodVerifyTOTP, api.VerifyTOTPRequest{PendingToken: "p", Code: "123456"}, &out); err != nil {
		t.Fatalf("VerifyTOTP error: %v", err)
	}
	if out.Token != "full" {
		t.Fatalf("unexpected token %q", out.Token)
	}
	err := call(context.Background(), conn, api.MethodVerifyTOTP, api.VerifyTOTPRequest{PendingToken: "p", Code: "000000"}, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", status.Code(err))
	}
}

func TestSaveHost_UsesCallerID(t *testing.T) {
	d := &fakeData{}
	conn := dial(t, newServer(&fakeAuth{}, d, &fakeAdmin{}))

	var out api.Host
	in := api.Host{Name: "web", IP: "10.0.0.1", Port: 22, Password: "s3cr3t"}
	if err := call(authed(t, "alice"), conn, api.MethodSaveHost, in, &out); err != nil {
		t.Fatalf("SaveHost error: %v", err)
	}
	if d.saveUID != "alice" {
		t.Fatalf("want caller alice, got %q", d.saveUID)
	}
	if d.saved.Name != "web" || d.saved.Port != 22 || d.saved.Password != "s3cr3t" {
		t.Fatalf("unexpected saved host: %+v", d.saved)
	}
	if out.ID != "h1" {
		t.Fatalf("unexpected reply: %+v", out)
	}
}

func TestSaveHost_RequiresToken(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))

	err := call(context.Background(), conn, api.MethodSaveHost, api.Host{Name: "web"}, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", status.Code(err))
	}
}

func TestListHosts(t *testing.T) {
	d := &fakeData{hosts: []models.Host{{ID: "1", Name: "a"}, {ID: "2", Name: "b", Key: "k"}}}
	conn := dial(t, newServer(&fakeAuth{}, d, &fakeAdmin{}))

	var out api.HostList
	if err := call(authed(t, "alice"), conn, api.MethodListHosts, api.Empty{}, &out); err != nil {
		t.Fatalf("ListHosts error: %v", err)
	}
	if len(out.Hosts) != 2 || out.Hosts[1].Key != "k" {
		t.Fatalf("unexpected hosts: %+v", out.Hosts)
	}
}

func TestDataErrors_AreMapped(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
		msg  string
	}{
		{common.ErrSessionExpired, codes.Unauthenticated, "re-authenticate"},
		{common.ErrInvalidInput, codes.InvalidArgument, common.ErrInvalidInput.Error()},
		{errors.New("disk on fire"), codes.Internal, "internal error"},
	}
	for _, c := range cases {
		conn := dial(t, newServer(&fakeAuth{}, &fakeData{err: c.err}, &fakeAdmin{}))
		err := call(authed(t, "alice"), conn, api.MethodListHosts, api.Empty{}, nil)
		if status.Code(err) != c.code || status.Convert(err).Message() != c.msg {
			t.Fatalf("%v: got %v %q", c.err, status.Code(err), status.Convert(err).Message())
		}
	}

	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))
	err := call(authed(t, "alice"), conn, api.MethodGetHost, api.IDRequest{ID: "x"}, nil)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound, got %v", status.Code(err))
	}
}

func TestExportImportVault(t *testing.T) {
	blob := []byte{0x00, 0xff, 0x10, 0x20}
	ad := &fakeAdmin{exported: blob}
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, ad))
	ctx := authed(t, "admin")

	var vault api.Vault
	if err := call(ctx, conn, api.MethodExportVault, api.VaultRequest{Passphrase: "pp"}, &vault); err != nil {
		t.Fatalf("ExportVault error: %v", err)
	}
	if !bytes.Equal(vault.Data, blob) {
		t.Fatalf("export data changed in transit: %x", vault.Data)
	}

	var staged api.ImportReply
	vault.Passphrase = "pp"
	if err := call(ctx, conn, api.MethodImportVault, vault, &staged); err != nil {
		t.Fatalf("ImportVault error: %v", err)
	}
	if !bytes.Equal(ad.imported, blob) || staged.StagedPath == "" {
		t.Fatalf("unexpected import: %x %q", ad.imported, staged.StagedPath)
	}
}

func TestImportVault_BadMetadata(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))

	err := call(authed(t, "admin"), conn, api.MethodImportVault, api.Vault{Data: []byte{1}, Metadata: []byte(`{"version":"v9"}`)}, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", status.Code(err))
	}
}

func TestHealth_Forbidden(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{err: common.ErrForbidden}))

	err := call(authed(t, "bob"), conn, api.MethodHealth, api.Empty{}, nil)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("want PermissionDenied, got %v", status.Code(err))
	}
}

func TestHealth_OK(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))

	var out api.Health
	if err := call(authed(t, "admin"), conn, api.MethodHealth, api.Empty{}, &out); err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if out.IntegrityTotal != 2 || len(out.Integrity) != 1 || out.Integrity[0].Field != "password" || out.UnlockedUsers != 1 {
		t.Fatalf("unexpected health: %+v", out)
	}
}

func TestMigrateMyData(t *testing.T) {
	conn := dial(t, newServer(&fakeAuth{}, &fakeData{}, &fakeAdmin{}))

	var out api.MigrationReport
	if err := call(authed(t, "alice"), conn, api.MethodMigrateMyData, api.Empty{}, &out); err != nil {
		t.Fatalf("MigrateMyData error: %v", err)
	}
	if out.UserID != "alice" || len(out.Kinds) != 1 || out.Kinds[0].Updated != 2 {
		t.Fatalf("unexpected report: %+v", out)
	}
}

func TestLock_UsesCallerID(t *testing.T) {
	a := &fakeAuth{}
	conn := dial(t, newServer(a, &fakeData{}, &fakeAdmin{}))

	if err := call(authed(t, "alice"), conn, api.MethodLock, api.Empty{}, nil); err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	if a.lockedFor != "alice" {
		t.Fatalf("locked %q", a.lockedFor)
	}
}
