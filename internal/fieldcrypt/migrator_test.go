package fieldcrypt

import (
	"context"
	"testing"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMigrator() *Migrator {
	return NewMigrator(DefaultAliases, NewIntegrityTracker(), logging.Discard())
}

func TestClassify_ShapeOnly(t *testing.T) {
	enc, err := Encrypt("x", cryptox.NewKey(), "1", "password")
	require.NoError(t, err)

	assert.Equal(t, CurrentCipher, Classify(enc))
	assert.Equal(t, Plaintext, Classify("hunter2"))
	assert.Equal(t, Plaintext, Classify(`{"broken"`))
	assert.Equal(t, Plaintext, Classify(""))
}

func TestMigrate_PlaintextThenIdempotent(t *testing.T) {
	m := newTestMigrator()
	dek := cryptox.NewKey()

	first, err := m.Migrate("s3cr3t", dek, "42", "password")
	require.NoError(t, err)
	assert.True(t, first.WasPlaintext)
	assert.False(t, first.WasLegacy)
	assert.True(t, first.Changed())
	assert.Equal(t, CurrentCipher, Classify(first.Encrypted))

	second, err := m.Migrate(first.Encrypted, dek, "42", "password")
	require.NoError(t, err)
	assert.False(t, second.WasPlaintext)
	assert.False(t, second.WasLegacy)
	assert.Equal(t, first.Encrypted, second.Encrypted)
}

func TestMigrate_LegacyAlias(t *testing.T) {
	m := newTestMigrator()
	dek := cryptox.NewKey()

	legacy, err := Encrypt("passphrase", dek, "42", "key_password")
	require.NoError(t, err)

	in := m.Inspect(legacy, dek, "42", "keyPassword")
	assert.Equal(t, LegacyCipher, in.Class)
	assert.Equal(t, "key_password", in.Alias)
	assert.Equal(t, "passphrase", in.Plaintext)

	res, err := m.Migrate(legacy, dek, "42", "keyPassword")
	require.NoError(t, err)
	assert.True(t, res.WasLegacy)
	assert.False(t, res.WasPlaintext)

	got, err := DecryptField(mustParse(t, res.Encrypted), dek, "42", "keyPassword")
	require.NoError(t, err)
	assert.Equal(t, "passphrase", got)

	again, err := m.Migrate(res.Encrypted, dek, "42", "keyPassword")
	require.NoError(t, err)
	assert.False(t, again.WasLegacy)
}

func TestMigrate_EmptyValue(t *testing.T) {
	res, err := newTestMigrator().Migrate("", cryptox.NewKey(), "42", "password")
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, "", res.Encrypted)
}

func TestMigrate_UndecryptableKeepsValue(t *testing.T) {
	m := newTestMigrator()
	enc, err := Encrypt("x", cryptox.NewKey(), "42", "password")
	require.NoError(t, err)

	res, err := m.Migrate(enc, cryptox.NewKey(), "42", "password")
	assert.ErrorIs(t, err, common.ErrIntegrity)
	assert.Equal(t, enc, res.Encrypted)
	assert.False(t, res.Changed())
}

func TestSafeRead(t *testing.T) {
	ctx := context.Background()
	dek := cryptox.NewKey()
	m := newTestMigrator()

	enc, err := Encrypt("s3cr3t", dek, "42", "password")
	require.NoError(t, err)

	r := m.SafeRead(ctx, "ssh_data", enc, dek, "42", "password")
	require.True(t, r.OK())
	assert.Equal(t, "s3cr3t", r.Value)
	assert.Equal(t, CurrentCipher, r.Class)

	r = m.SafeRead(ctx, "ssh_data", "legacy-plain", dek, "42", "password")
	require.True(t, r.OK())
	assert.Equal(t, "legacy-plain", r.Value)
	assert.Equal(t, Plaintext, r.Class)

	r = m.SafeRead(ctx, "ssh_data", "", dek, "42", "password")
	require.True(t, r.OK())
	assert.Equal(t, "", r.Value)

	assert.Equal(t, int64(0), m.Tracker().Total())

	r = m.SafeRead(ctx, "ssh_data", enc, cryptox.NewKey(), "42", "password")
	assert.False(t, r.OK())
	assert.Equal(t, "", r.Value)
	assert.Equal(t, Undecryptable, r.Class)

	r = m.SafeRead(ctx, "ssh_data", enc, dek, "99", "password")
	assert.ErrorIs(t, r.Err, common.ErrContextMismatch)

	stats := m.Tracker().Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "ssh_data", stats[0].Kind)
	assert.Equal(t, "password", stats[0].Field)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, "99", stats[0].LastRecordID)
}

func TestIntegrityTracker_SnapshotOrder(t *testing.T) {
	tr := NewIntegrityTracker()
	tr.Record("users", "totpSecret", "u1", nil)
	tr.Record("ssh_data", "password", "h1", common.ErrIntegrity)
	tr.Record("ssh_data", "key", "h2", common.ErrIntegrity)

	s := tr.Snapshot()
	require.Len(t, s, 3)
	assert.Equal(t, "key", s[0].Field)
	assert.Equal(t, "password", s[1].Field)
	assert.Equal(t, "users", s[2].Kind)
	assert.Equal(t, int64(3), tr.Total())
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "plaintext", Plaintext.String())
	assert.Equal(t, "current", CurrentCipher.String())
	assert.Equal(t, "legacy", LegacyCipher.String())
	assert.Equal(t, "undecryptable", Undecryptable.String())
}

func mustParse(t *testing.T, s string) *Envelope {
	t.Helper()
	env, ok := ParseEnvelope(s)
	require.True(t, ok)
	return env
}
