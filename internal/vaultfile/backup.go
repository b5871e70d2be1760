package vaultfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/filex"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
)

const (
	backupPrefix = "sshkeeper"
	backupExt    = ".db.enc"
)

// Backupper writes timestamped encrypted copies of the datastore into a
// local directory and, when configured, to a remote store.
type Backupper struct {
	codec  *Codec
	dir    string
	remote RemoteStore
	logger logging.Logger
	now    func() time.Time
}

func NewBackupper(codec *Codec, dir string, remote RemoteStore, logger logging.Logger) *Backupper {
	return &Backupper{
		codec:  codec,
		dir:    dir,
		remote: remote,
		logger: logger.With("module", "vaultfile"),
		now:    time.Now,
	}
}

type BackupResult struct {
	Path     string    `json:"path"`
	Metadata *Metadata `json:"metadata"`
	Uploaded bool      `json:"uploaded"`
}

// Backup encrypts src (the bytes of a datastore snapshot) and stores it as
// <dir>/sshkeeper-<UTC timestamp>.db.enc with its side-car.
func (b *Backupper) Backup(ctx context.Context, src []byte, passphrase string) (*BackupResult, error) {
	dir, err := filex.EnsureDir(b.dir)
	if err != nil {
		return nil, err
	}

	var enc []byte
	var meta *Metadata
	if passphrase == "" {
		enc, meta, err = b.codec.EncryptFile(src)
	} else {
		enc, meta, err = b.codec.EncryptFileWithPassphrase(src, passphrase)
	}
	if err != nil {
		return nil, err
	}

	name := filex.TimestampedName(backupPrefix, backupExt, b.now())
	dst := filepath.Join(dir, name)
	if err := WriteEncrypted(dst, enc, meta); err != nil {
		return nil, err
	}
	res := &BackupResult{Path: dst, Metadata: meta}
	b.logger.Info(ctx, "backup written", "path", dst, "key_source", meta.KeySource)

	if b.remote != nil {
		mb, err := meta.Marshal()
		if err != nil {
			return res, err
		}
		if err := b.remote.Put(ctx, name, enc); err != nil {
			return res, fmt.Errorf("upload backup: %w", err)
		}
		if err := b.remote.Put(ctx, name+MetaSuffix, mb); err != nil {
			return res, fmt.Errorf("upload backup metadata: %w", err)
		}
		res.Uploaded = true
		b.logger.Info(ctx, "backup uploaded", "name", name)
	}
	return res, nil
}

// Restore decrypts encPath into dstPath; see Codec.DecryptToFile.
func (b *Backupper) Restore(ctx context.Context, encPath, dstPath, passphrase string) error {
	if err := b.codec.DecryptToFile(encPath, dstPath, passphrase); err != nil {
		b.logger.Warn(ctx, "restore failed", "path", encPath, "error", err)
		return err
	}
	b.logger.Info(ctx, "backup restored", "path", encPath, "target", dstPath)
	return nil
}

// List returns the backups in the directory, newest first.
func (b *Backupper) List() ([]*FileInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupExt) {
			continue
		}
		fi, err := GetEncryptedFileInfo(filepath.Join(b.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

// RestoreSuffix marks a decrypted datastore waiting to replace the live one
// on the next start.
const RestoreSuffix = ".restore"

const sqliteHeader = "SQLite format 3\x00"

// IsSQLiteImage reports whether b starts with the SQLite file header.
func IsSQLiteImage(b []byte) bool {
	return len(b) >= len(sqliteHeader) && string(b[:len(sqliteHeader)]) == sqliteHeader
}

// StageRestore writes plain next to dbPath so ApplyStagedRestore can swap
// it in before the database is opened. The live file is not touched.
func StageRestore(dbPath string, plain []byte) (string, error) {
	if !IsSQLiteImage(plain) {
		return "", fmt.Errorf("%w: restored data is not a sqlite database", common.ErrIntegrity)
	}
	staged := dbPath + RestoreSuffix
	if err := filex.WriteFileAtomic(staged, plain, 0o600); err != nil {
		return "", err
	}
	return staged, nil
}

// ApplyStagedRestore moves a staged restore over dbPath, keeping the
// replaced file as dbPath.pre-restore. It reports whether a swap happened.
func ApplyStagedRestore(dbPath string) (bool, error) {
	staged := dbPath + RestoreSuffix
	if !filex.Exists(staged) {
		return false, nil
	}
	if filex.Exists(dbPath) {
		if err := os.Rename(dbPath, dbPath+".pre-restore"); err != nil {
			return false, err
		}
	}
	if err := os.Rename(staged, dbPath); err != nil {
		return false, err
	}
	return true, nil
}
