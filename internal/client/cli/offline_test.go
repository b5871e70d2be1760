package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitrijs2005/sshkeeper/internal/client/config"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDF = cryptox.KDFParams{Time: 1, Memory: 1024, Threads: 1}

type testApp struct {
	*App
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newTestApp(t *testing.T, stdin string, opts ...Option) *testApp {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	base := []Option{
		WithIO(strings.NewReader(stdin), out, errOut),
		WithKeySource(vaultfile.StaticKey(bytes.Repeat([]byte{7}, common.KeySize))),
		WithCodecOptions(vaultfile.WithKDFParams(testKDF)),
	}
	return &testApp{App: NewApp(cfg, append(base, opts...)...), out: out, errOut: errOut}
}

func stubPassword(t *testing.T, pw string) {
	t.Helper()
	old := readPassword
	readPassword = func(int) ([]byte, error) { return []byte(pw), nil }
	t.Cleanup(func() { readPassword = old })
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestEncryptDecrypt_MachineKey(t *testing.T) {
	src := writeFile(t, "hosts.db", []byte("secret payload"))
	a := newTestApp(t, "")

	require.NoError(t, a.Execute(context.Background(), []string{"encrypt", src}))
	assert.Contains(t, a.out.String(), "Encrypted")
	assert.True(t, vaultfile.IsEncryptedVaultFile(src+".enc"))

	dst := filepath.Join(t.TempDir(), "out.db")
	b := newTestApp(t, "")
	require.NoError(t, b.Execute(context.Background(), []string{"decrypt", src + ".enc", "-o", dst}))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(got))
}

func TestDecrypt_RefusesOverwrite(t *testing.T) {
	src := writeFile(t, "hosts.db", []byte("x"))
	a := newTestApp(t, "")
	require.NoError(t, a.Execute(context.Background(), []string{"encrypt", src}))

	b := newTestApp(t, "")
	err := b.Execute(context.Background(), []string{"decrypt", src + ".enc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestEncryptDecrypt_Passphrase(t *testing.T) {
	stubPassword(t, "correct horse")
	src := writeFile(t, "notes.txt", []byte("hello"))

	a := newTestApp(t, "")
	require.NoError(t, a.Execute(context.Background(), []string{"encrypt", "-p", src}))
	meta, err := vaultfile.ReadMetadata(src + ".enc")
	require.NoError(t, err)
	assert.Equal(t, vaultfile.KeySourcePassphrase, meta.KeySource)

	// decrypt prompts on its own because the side-car asks for a passphrase
	stubPassword(t, "wrong")
	b := newTestApp(t, "")
	dst := filepath.Join(t.TempDir(), "plain.txt")
	err = b.Execute(context.Background(), []string{"decrypt", src + ".enc", "-o", dst})
	assert.ErrorIs(t, err, common.ErrIntegrity)
	assert.NoFileExists(t, dst)
	assert.Contains(t, b.errOut.String(), "wrong key or passphrase")

	stubPassword(t, "correct horse")
	c := newTestApp(t, "")
	require.NoError(t, c.Execute(context.Background(), []string{"decrypt", src + ".enc", "-o", dst}))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestInfo(t *testing.T) {
	src := writeFile(t, "hosts.db", []byte("payload"))
	a := newTestApp(t, "")
	require.NoError(t, a.Execute(context.Background(), []string{"encrypt", src}))

	b := newTestApp(t, "")
	require.NoError(t, b.Execute(context.Background(), []string{"info", src + ".enc"}))
	assert.Contains(t, b.out.String(), vaultfile.VersionCurrent)
	assert.Contains(t, b.out.String(), vaultfile.KeySourceMachine)

	c := newTestApp(t, "")
	require.NoError(t, c.Execute(context.Background(), []string{"info", "--json", src + ".enc"}))
	var fi vaultfile.FileInfo
	require.NoError(t, json.Unmarshal(c.out.Bytes(), &fi))
	assert.Equal(t, vaultfile.VersionCurrent, fi.Metadata.Version)
}

func TestInfo_NotAVault(t *testing.T) {
	src := writeFile(t, "plain.txt", []byte("payload"))
	a := newTestApp(t, "")
	require.Error(t, a.Execute(context.Background(), []string{"info", src}))
}

func TestBackup(t *testing.T) {
	image := append([]byte("SQLite format 3\x00"), make([]byte, 64)...)
	db := writeFile(t, "sshkeeper.db", image)

	a := newTestApp(t, "")
	require.NoError(t, a.Execute(context.Background(), []string{"backup", db}))
	assert.Contains(t, a.out.String(), "Backup written")

	files, err := os.ReadDir(a.config.BackupDir)
	require.NoError(t, err)
	assert.Len(t, files, 2, "blob and side-car")

	list := newTestApp(t, "")
	list.config.BackupDir = a.config.BackupDir
	require.NoError(t, list.Execute(context.Background(), []string{"backup", "--list"}))
	assert.Contains(t, list.out.String(), a.config.BackupDir)
}

func TestBackup_RejectsNonDatastore(t *testing.T) {
	src := writeFile(t, "notes.txt", []byte("not a db"))
	a := newTestApp(t, "")
	err := a.Execute(context.Background(), []string{"backup", src})
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
