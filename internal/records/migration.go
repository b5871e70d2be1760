package records

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
)

// Store is the row access a kind needs for migration and re-encryption.
type Store[T any] interface {
	GetByID(ctx context.Context, id string) (*T, error)
	ListByUser(ctx context.Context, userID string) ([]*T, error)
	// UpdateSensitiveFields writes the given columns of one row in a single
	// statement, so a row is never left half migrated.
	UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error
}

// StoreFactory binds a Store to a connection or transaction.
type StoreFactory[T any] func(db dbx.DBTX) Store[T]

// KindReport summarizes one kind's migration for one user.
type KindReport struct {
	Kind      Kind `json:"kind"`
	Records   int  `json:"records"`
	Updated   int  `json:"updated"`
	Plaintext int  `json:"plaintext"`
	Legacy    int  `json:"legacy"`
	Failed    int  `json:"failed"`
}

// MigrationReport is the result of MigrateUserSensitiveFields.
type MigrationReport struct {
	UserID string       `json:"userId"`
	Kinds  []KindReport `json:"kinds"`
}

// Updated is the number of rows rewritten across all kinds.
func (r *MigrationReport) Updated() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Updated
	}
	return n
}

// Failed is the number of fields left undecryptable across all kinds.
func (r *MigrationReport) Failed() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Failed
	}
	return n
}

// KindMigrator migrates every record of one kind owned by a user.
type KindMigrator interface {
	Kind() Kind
	MigrateUser(ctx context.Context, db dbx.DBTX, userID string, dek []byte) (KindReport, error)
}

type kindMigrator[T any] struct {
	codec  *Codec[T]
	stores StoreFactory[T]
}

func NewKindMigrator[T any](codec *Codec[T], stores StoreFactory[T]) KindMigrator {
	return &kindMigrator[T]{codec: codec, stores: stores}
}

func (k *kindMigrator[T]) Kind() Kind { return k.codec.Kind() }

func (k *kindMigrator[T]) MigrateUser(ctx context.Context, db dbx.DBTX, userID string, dek []byte) (KindReport, error) {
	report := KindReport{Kind: k.codec.Kind()}
	store := k.stores(db)

	recs, err := store.ListByUser(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", report.Kind, err)
	}

	desc := k.codec.Descriptor()
	for _, rec := range recs {
		report.Records++
		_, outcome := k.codec.MigrateRecord(*rec, dek)
		report.Plaintext += outcome.Plaintext
		report.Legacy += outcome.Legacy
		report.Failed += outcome.Failed
		if len(outcome.Changed) == 0 {
			continue
		}
		if err := store.UpdateSensitiveFields(ctx, desc.ID(rec), outcome.Changed); err != nil {
			return report, fmt.Errorf("update %s %s: %w", report.Kind, desc.ID(rec), err)
		}
		report.Updated++
	}
	return report, nil
}

// BulkMigrator runs the per-kind migrators for a user.
type BulkMigrator struct {
	kinds  []KindMigrator
	logger logging.Logger
}

func NewBulkMigrator(logger logging.Logger, kinds ...KindMigrator) *BulkMigrator {
	return &BulkMigrator{kinds: kinds, logger: logger.With("module", "records")}
}

// MigrateUserSensitiveFields scans all records of all kinds for userID and
// persists only the fields that actually changed, one write per changed
// record. Undecryptable fields are counted, not fatal.
func (b *BulkMigrator) MigrateUserSensitiveFields(ctx context.Context, db dbx.DBTX, userID string, dek []byte) (*MigrationReport, error) {
	report := &MigrationReport{UserID: userID}
	for _, k := range b.kinds {
		kr, err := k.MigrateUser(ctx, db, userID, dek)
		report.Kinds = append(report.Kinds, kr)
		if err != nil {
			return report, err
		}
		if kr.Updated > 0 || kr.Failed > 0 {
			b.logger.Info(ctx, "sensitive fields migrated",
				"user_id", userID, "kind", kr.Kind, "updated", kr.Updated,
				"plaintext", kr.Plaintext, "legacy", kr.Legacy, "failed", kr.Failed)
		}
	}
	return report, nil
}

// SecretReencryptor re-seals the secrets stored on a user's own row. It runs
// inside the password-change transaction.
type SecretReencryptor[T any] struct {
	codec  *Codec[T]
	stores StoreFactory[T]
}

func NewSecretReencryptor[T any](codec *Codec[T], stores StoreFactory[T]) *SecretReencryptor[T] {
	return &SecretReencryptor[T]{codec: codec, stores: stores}
}

func (r *SecretReencryptor[T]) ReencryptUserSecrets(ctx context.Context, db dbx.DBTX, userID string, dek []byte) error {
	store := r.stores(db)
	rec, err := store.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", r.codec.Kind(), userID, err)
	}
	_, changed, err := r.codec.ReencryptRecord(ctx, *rec, dek)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	return store.UpdateSensitiveFields(ctx, userID, changed)
}
