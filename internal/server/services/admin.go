package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/fieldcrypt"
	"github.com/dmitrijs2005/sshkeeper/internal/keys"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/records"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
)

// SnapshotFunc returns the bytes of a consistent datastore copy.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// Health is the admin view of crypto-layer problems.
type Health struct {
	Integrity      []fieldcrypt.IntegrityStat
	IntegrityTotal int64
	UnlockedUsers  int
	Backups        []*vaultfile.FileInfo
}

// AdminService exports and imports the whole datastore as a vault file,
// runs the per-user migration on request and reports health.
type AdminService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keys.Manager
	codecs      *Codecs
	vault       *vaultfile.Codec
	backups     *vaultfile.Backupper
	snapshot    SnapshotFunc
	restorePath string
	logger      logging.Logger
}

// NewAdminService wires the vault side. snapshot may be nil when the
// driver cannot produce a file image; export and backup then fail.
// restorePath is the live datastore file imports are staged next to.
func NewAdminService(db *sql.DB, m repomanager.RepositoryManager, km *keys.Manager, codecs *Codecs,
	vault *vaultfile.Codec, backups *vaultfile.Backupper, snapshot SnapshotFunc, restorePath string,
	logger logging.Logger) *AdminService {
	return &AdminService{
		db:          db,
		repomanager: m,
		keys:        km,
		codecs:      codecs,
		vault:       vault,
		backups:     backups,
		snapshot:    snapshot,
		restorePath: restorePath,
		logger:      logger.With("module", "admin"),
	}
}

func (s *AdminService) requireAdmin(ctx context.Context, userID string) error {
	u, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.IsAdmin {
		return common.ErrForbidden
	}
	return nil
}

func (s *AdminService) takeSnapshot(ctx context.Context) ([]byte, error) {
	if s.snapshot == nil {
		return nil, fmt.Errorf("%w: datastore export needs the sqlite driver", common.ErrInvalidInput)
	}
	return s.snapshot(ctx)
}

// ExportVault encrypts a snapshot of the datastore. An empty passphrase
// seals it with the machine key.
func (s *AdminService) ExportVault(ctx context.Context, userID, passphrase string) ([]byte, *vaultfile.Metadata, error) {
	if err := s.requireAdmin(ctx, userID); err != nil {
		return nil, nil, err
	}
	plain, err := s.takeSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(plain)

	var enc []byte
	var meta *vaultfile.Metadata
	if passphrase == "" {
		enc, meta, err = s.vault.EncryptFile(plain)
	} else {
		enc, meta, err = s.vault.EncryptFileWithPassphrase(plain, passphrase)
	}
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info(ctx, "vault exported", "user_id", userID, "key_source", meta.KeySource, "size", len(enc))
	return enc, meta, nil
}

// ImportVault decrypts an exported vault and stages it to replace the
// datastore on the next start. A blob that fails to decrypt, or is not a
// datastore image, leaves everything as it was.
func (s *AdminService) ImportVault(ctx context.Context, userID string, enc, metaJSON []byte, passphrase string) (string, error) {
	if err := s.requireAdmin(ctx, userID); err != nil {
		return "", err
	}
	if s.restorePath == "" {
		return "", fmt.Errorf("%w: datastore import needs a file-backed sqlite database", common.ErrInvalidInput)
	}
	meta, err := vaultfile.ParseMetadata(metaJSON)
	if err != nil {
		return "", err
	}
	plain, err := s.vault.DecryptFileWithPassphrase(enc, meta, passphrase)
	if err != nil {
		s.logger.Warn(ctx, "vault import rejected", "user_id", userID, "error", err)
		return "", err
	}
	defer common.WipeByteArray(plain)

	staged, err := vaultfile.StageRestore(s.restorePath, plain)
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "vault import staged", "user_id", userID, "path", staged, "version", meta.Version)
	return staged, nil
}

// Backup writes a timestamped encrypted snapshot to the backup directory
// and, when configured, to object storage.
func (s *AdminService) Backup(ctx context.Context, userID, passphrase string) (*vaultfile.BackupResult, error) {
	if err := s.requireAdmin(ctx, userID); err != nil {
		return nil, err
	}
	plain, err := s.takeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plain)
	return s.backups.Backup(ctx, plain, passphrase)
}

// MigrateMyData upgrades every stored secret of the caller to the current
// envelope format and records the schema version.
func (s *AdminService) MigrateMyData(ctx context.Context, userID string) (*records.MigrationReport, error) {
	dek, err := s.keys.DEK(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	report, err := s.codecs.Bulk.MigrateUserSensitiveFields(ctx, s.db, userID, dek)
	if err != nil {
		return report, err
	}
	if err := s.repomanager.Users(s.db).SetSchemaVersion(ctx, userID, records.SchemaVersion); err != nil {
		return report, err
	}
	return report, nil
}

func (s *AdminService) Health(ctx context.Context, userID string) (*Health, error) {
	if err := s.requireAdmin(ctx, userID); err != nil {
		return nil, err
	}
	tracker := s.codecs.Migrator.Tracker()
	h := &Health{
		Integrity:      tracker.Snapshot(),
		IntegrityTotal: tracker.Total(),
		UnlockedUsers:  s.keys.Cache().Count(),
	}
	if s.backups != nil {
		list, err := s.backups.List()
		if err != nil {
			s.logger.Warn(ctx, "backup listing failed", "error", err)
		}
		h.Backups = list
	}
	return h, nil
}
