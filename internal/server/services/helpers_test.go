package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sshkeeper/internal/keys"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sshkeeper/internal/server/config"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testParams = cryptox.KDFParams{Time: 1, Memory: 1024, Threads: 1}

type fakeVerifier struct {
	claims map[string]any
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	return f.claims, f.err
}

type testEnv struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	keys     *keys.Manager
	codecs   *Codecs
	auth     *AuthService
	data     *DataService
	admin    *AdminService
	verifier *fakeVerifier
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := repomanager.OpenDB(ctx, repomanager.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rm, err := repomanager.NewRepositoryManager(repomanager.DriverSQLite)
	require.NoError(t, err)
	require.NoError(t, rm.RunMigrations(ctx, db))

	logger := logging.Discard()
	machineKey := cryptox.NewKey()
	codecs := NewCodecs(rm, 2, logger)
	km := keys.NewManager(db, KeyStores(rm), keys.NewUnlockCache(), logger,
		keys.WithKDFParams(testParams),
		keys.WithReencryptor(codecs.Reencryptor()),
		keys.WithMachineKey(machineKey))

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.LoginRatePerMin = 0
	cfg.SecretKey = "services-test-session-secret"

	verifier := &fakeVerifier{}
	as := NewAuthService(db, rm, km, codecs, cfg, logger,
		WithPasswordHasher(&auth.PasswordHasher{Cost: bcrypt.MinCost}),
		WithIdentityVerifier(verifier, auth.DefaultClaimPaths))

	dir := t.TempDir()
	vault := vaultfile.NewCodec(vaultfile.StaticKey(machineKey), vaultfile.WithKDFParams(testParams))
	backups := vaultfile.NewBackupper(vault, dir+"/backups", nil, logger)
	snapshot := func(ctx context.Context) ([]byte, error) { return repomanager.SnapshotSQLite(ctx, db, dir) }
	admin := NewAdminService(db, rm, km, codecs, vault, backups, snapshot, dir+"/sshkeeper.db", logger)

	return &testEnv{
		db:       db,
		rm:       rm,
		keys:     km,
		codecs:   codecs,
		auth:     as,
		data:     NewDataService(db, rm, km, codecs, logger),
		admin:    admin,
		verifier: verifier,
		dir:      dir,
	}
}

// registerAndLogin returns the new user's id with the data key unlocked.
func (e *testEnv) registerAndLogin(t *testing.T, username, password string) string {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, username, password)
	require.NoError(t, err)
	res, err := e.auth.Login(ctx, username, password, false)
	require.NoError(t, err)
	require.False(t, res.Pending2FA)
	return u.ID
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newUserRow(username string) *models.User {
	return &models.User{Username: username}
}

func hostFixture() models.Host {
	return models.Host{
		Name:     "web",
		IP:       "10.0.0.42",
		Port:     22,
		Username: "root",
		AuthType: "password",
		Password: "s3cr3t",
	}
}
