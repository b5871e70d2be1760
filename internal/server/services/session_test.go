package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/fieldcrypt"
	"github.com/dmitrijs2005/sshkeeper/internal/records"
	"github.com/dmitrijs2005/sshkeeper/internal/server/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_FirstUserIsAdmin(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	alice, err := e.auth.Register(ctx, "alice", "correct-horse")
	require.NoError(t, err)
	bob, err := e.auth.Register(ctx, "bob", "battery-staple")
	require.NoError(t, err)

	assert.True(t, alice.IsAdmin)
	assert.False(t, bob.IsAdmin)
	assert.False(t, e.keys.IsUserUnlocked(alice.ID), "registration does not unlock")

	stored, err := e.rm.Users(e.db).GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasKeyMaterial())
	assert.Equal(t, records.SchemaVersion, stored.SchemaVersion)
	assert.NotContains(t, stored.WrappedDEK, "correct-horse")

	_, err = e.auth.Register(ctx, "alice", "another-password")
	assert.ErrorIs(t, err, common.ErrorAlreadyExists)

	_, err = e.auth.Register(ctx, "carol", "short")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestRegister_RollsBackWhenKeySetupFails(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	// key setup fails inside the transaction once ctx is cancelled
	err := dbx.WithTx(context.Background(), e.db, nil, func(_ context.Context, tx dbx.DBTX) error {
		u, err := e.rm.Users(tx).Create(context.Background(), newUserRow("dave"))
		require.NoError(t, err)
		cancel()
		return e.keys.RegisterUser(ctx, tx, u.ID, "password123")
	})
	require.Error(t, err)

	_, err = e.rm.Users(e.db).GetByUsername(context.Background(), "dave")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")
	require.True(t, e.keys.IsUserUnlocked(id))

	uid, err := e.auth.UserIDFromToken(mustLogin(t, e, "alice", "correct-horse").Token)
	require.NoError(t, err)
	assert.Equal(t, id, uid)

	require.NoError(t, e.auth.Logout(ctx, id))
	assert.False(t, e.keys.IsUserUnlocked(id))

	_, err = e.auth.Login(ctx, "alice", "wrong-horse", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)
	assert.False(t, e.keys.IsUserUnlocked(id), "wrong password leaves cache unchanged")

	_, err = e.auth.Login(ctx, "nobody", "whatever1", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)
}

func TestLogin_Remember(t *testing.T) {
	e := newTestEnv(t)
	e.auth.now = fixedNow
	e.registerAndLogin(t, "alice", "correct-horse")

	short := mustLogin(t, e, "alice", "correct-horse")
	res, err := e.auth.Login(context.Background(), "alice", "correct-horse", true)
	require.NoError(t, err)

	assert.Equal(t, fixedNow().Add(24*time.Hour), short.ExpiresAt)
	assert.Equal(t, fixedNow().Add(50*24*time.Hour), res.ExpiresAt)
}

func TestLogin_RateLimited(t *testing.T) {
	e := newTestEnv(t)
	e.registerAndLogin(t, "alice", "correct-horse")
	e.auth.limiter = auth.NewLimiter(auth.PerWindow(1, time.Hour), 1, time.Hour)

	_, err := e.auth.Login(context.Background(), "alice", "nope-nope", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)
	_, err = e.auth.Login(context.Background(), "alice", "correct-horse", false)
	assert.ErrorIs(t, err, common.ErrRateLimited)
}

func mustLogin(t *testing.T, e *testEnv, username, password string) *LoginResult {
	t.Helper()
	res, err := e.auth.Login(context.Background(), username, password, false)
	require.NoError(t, err)
	return res
}

func TestTOTPFlow(t *testing.T) {
	e := newTestEnv(t)
	e.auth.now = fixedNow
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")

	setup, err := e.auth.SetupTOTP(ctx, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(setup.URL, "otpauth://"))

	stored, err := e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fieldcrypt.CurrentCipher, fieldcrypt.Classify(stored.TOTPSecret))
	assert.False(t, stored.TOTPEnabled)

	_, err = e.auth.EnableTOTP(ctx, id, "000000")
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)

	code, err := auth.TOTPCode(setup.Secret, fixedNow())
	require.NoError(t, err)
	backup, err := e.auth.EnableTOTP(ctx, id, code)
	require.NoError(t, err)
	require.Len(t, backup, auth.BackupCodeCount)

	// password step now yields a pending token
	res := mustLogin(t, e, "alice", "correct-horse")
	require.True(t, res.Pending2FA)
	_, err = e.auth.UserIDFromToken(res.Token)
	assert.ErrorIs(t, err, common.ErrTOTPRequired)

	_, err = e.auth.VerifyTOTP(ctx, res.Token, "123456", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)

	full, err := e.auth.VerifyTOTP(ctx, res.Token, code, false)
	require.NoError(t, err)
	uid, err := e.auth.UserIDFromToken(full.Token)
	require.NoError(t, err)
	assert.Equal(t, id, uid)

	// backup codes are single use
	res = mustLogin(t, e, "alice", "correct-horse")
	_, err = e.auth.VerifyTOTP(ctx, res.Token, backup[0], false)
	require.NoError(t, err)
	_, err = e.auth.VerifyTOTP(ctx, res.Token, backup[0], false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)

	// full tokens are not accepted as pending ones
	_, err = e.auth.VerifyTOTP(ctx, full.Token, code, false)
	assert.ErrorIs(t, err, common.ErrInvalidToken)

	require.ErrorIs(t, e.auth.DisableTOTP(ctx, id, "bad-password", ""), common.ErrAuthenticationFailed)
	require.NoError(t, e.auth.DisableTOTP(ctx, id, "correct-horse", ""))
	assert.False(t, mustLogin(t, e, "alice", "correct-horse").Pending2FA)
}

func TestRegenerateBackupCodes(t *testing.T) {
	e := newTestEnv(t)
	e.auth.now = fixedNow
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")

	_, err := e.auth.RegenerateBackupCodes(ctx, id, "000000")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	setup, err := e.auth.SetupTOTP(ctx, id)
	require.NoError(t, err)
	code, err := auth.TOTPCode(setup.Secret, fixedNow())
	require.NoError(t, err)
	first, err := e.auth.EnableTOTP(ctx, id, code)
	require.NoError(t, err)

	second, err := e.auth.RegenerateBackupCodes(ctx, id, code)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	res := mustLogin(t, e, "alice", "correct-horse")
	_, err = e.auth.VerifyTOTP(ctx, res.Token, first[0], false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed, "old codes revoked")
}

func TestChangePassword_PreservesData(t *testing.T) {
	e := newTestEnv(t)
	e.auth.now = fixedNow
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")

	setup, err := e.auth.SetupTOTP(ctx, id)
	require.NoError(t, err)
	before, err := e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)

	h, err := e.data.SaveHost(ctx, id, hostFixture())
	require.NoError(t, err)

	require.ErrorIs(t, e.auth.ChangePassword(ctx, id, "wrong-horse", "new-password"), common.ErrAuthenticationFailed)
	require.NoError(t, e.auth.ChangePassword(ctx, id, "correct-horse", "new-password"))

	after, err := e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, before.KEKSalt, after.KEKSalt)
	assert.NotEqual(t, before.WrappedDEK, after.WrappedDEK)
	assert.NotEqual(t, before.TOTPSecret, after.TOTPSecret, "user secrets re-sealed")

	require.NoError(t, e.auth.Logout(ctx, id))
	_, err = e.auth.Login(ctx, "alice", "correct-horse", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)
	mustLogin(t, e, "alice", "new-password")

	got, err := e.data.GetHost(ctx, id, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got.Password)

	dek, err := e.keys.DEK(id)
	require.NoError(t, err)
	plain := e.codecs.Users.DecryptRecord(ctx, *after, dek)
	assert.Equal(t, setup.Secret, plain.TOTPSecret)
}

func TestLoginOIDC(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.verifier.claims = map[string]any{"sub": "idp|123", "name": "Carol"}

	first, err := e.auth.LoginOIDC(ctx, "raw-token", false)
	require.NoError(t, err)
	assert.True(t, e.keys.IsUserUnlocked(first.UserID))

	u, err := e.rm.Users(e.db).GetByOIDCIdentifier(ctx, "idp|123")
	require.NoError(t, err)
	assert.True(t, u.IsOIDC)
	assert.Equal(t, "Carol", u.Username)
	assert.True(t, u.HasKeyMaterial())

	h, err := e.data.SaveHost(ctx, u.ID, hostFixture())
	require.NoError(t, err)
	require.NoError(t, e.auth.Logout(ctx, u.ID))

	second, err := e.auth.LoginOIDC(ctx, "raw-token", false)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID, "repeat login reuses the account")

	got, err := e.data.GetHost(ctx, u.ID, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got.Password)

	_, err = e.auth.Login(ctx, "Carol", "", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed, "no password login for oidc users")

	e.verifier.err = errors.New("bad signature")
	_, err = e.auth.LoginOIDC(ctx, "raw-token", false)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)
}

func TestLoginOIDC_NotConfigured(t *testing.T) {
	e := newTestEnv(t)
	e.auth.verifier = nil
	_, err := e.auth.LoginOIDC(context.Background(), "x", false)
	assert.ErrorIs(t, err, common.ErrForbidden)
}

func TestLogin_UpgradesOldSchema(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO ssh_data (id, user_id, name, ip, port, username, auth_type, password, ssh_key, key_password, key_type, created_at, updated_at)
		 VALUES ('h1', $1, 'old', '10.0.0.1', 22, 'root', 'password', 'plain-pw', '', '', '', $2, $3)`,
		id, time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, e.rm.Users(e.db).SetSchemaVersion(ctx, id, 1))
	require.NoError(t, e.auth.Logout(ctx, id))

	mustLogin(t, e, "alice", "correct-horse")

	h, err := e.rm.Hosts(e.db).GetByID(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, fieldcrypt.CurrentCipher, fieldcrypt.Classify(h.Password))

	u, err := e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, records.SchemaVersion, u.SchemaVersion)
}

func TestStatus(t *testing.T) {
	e := newTestEnv(t)
	id := e.registerAndLogin(t, "alice", "correct-horse")

	st, err := e.auth.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", st.Username)
	assert.True(t, st.IsAdmin)
	assert.True(t, st.Unlocked)
	assert.False(t, st.TOTPEnabled)

	require.NoError(t, e.auth.Lock(context.Background(), id))
	st, err = e.auth.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, st.Unlocked)
}

// enableTOTP turns on the second factor for id and returns the secret and
// the fresh backup codes.
func enableTOTP(t *testing.T, e *testEnv, id string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := e.auth.SetupTOTP(ctx, id)
	require.NoError(t, err)
	code, err := auth.TOTPCode(setup.Secret, fixedNow())
	require.NoError(t, err)
	backup, err := e.auth.EnableTOTP(ctx, id, code)
	require.NoError(t, err)
	return setup.Secret, backup
}

func TestBackupCode_StaleReadCannotReuse(t *testing.T) {
	e := newTestEnv(t)
	e.auth.now = fixedNow
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")
	_, backup := enableTOTP(t, e, id)

	// both logins read the row before either consumes the code
	stale, err := e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)
	dek, err := e.keys.DEK(id)
	require.NoError(t, err)

	require.NoError(t, e.auth.checkSecondFactor(ctx, stale, dek, backup[0]))
	err = e.auth.checkSecondFactor(ctx, stale, dek, backup[0])
	assert.ErrorIs(t, err, common.ErrAuthenticationFailed)

	// the remaining codes are intact
	res := mustLogin(t, e, "alice", "correct-horse")
	_, err = e.auth.VerifyTOTP(ctx, res.Token, backup[1], false)
	require.NoError(t, err)
}

func TestLogin_UpgradeWaitsForSecondFactor(t *testing.T) {
	e := newTestEnv(t)
	e.auth.now = fixedNow
	ctx := context.Background()
	id := e.registerAndLogin(t, "alice", "correct-horse")
	secret, _ := enableTOTP(t, e, id)

	require.NoError(t, e.rm.Users(e.db).SetSchemaVersion(ctx, id, 1))
	require.NoError(t, e.auth.Logout(ctx, id))

	res := mustLogin(t, e, "alice", "correct-horse")
	require.True(t, res.Pending2FA)
	u, err := e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, u.SchemaVersion, "password alone does not run the upgrade")

	code, err := auth.TOTPCode(secret, fixedNow())
	require.NoError(t, err)
	_, err = e.auth.VerifyTOTP(ctx, res.Token, code, false)
	require.NoError(t, err)

	u, err = e.rm.Users(e.db).GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, records.SchemaVersion, u.SchemaVersion)
}
