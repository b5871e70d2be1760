package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/google/uuid"
)

const userColumns = `id, username, password_hash, is_admin, is_oidc, oidc_identifier,
		kek_salt, wrapped_dek, totp_enabled, totp_secret, totp_backup_codes,
		oidc_client_secret, sensitive_schema_version, created_at`

var sensitiveColumns = []string{"totp_secret", "totp_backup_codes", "oidc_client_secret"}

// SQLRepository works against both SQLite and PostgreSQL.
type SQLRepository struct {
	db dbx.DBTX
}

func NewSQLRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query :=
		`INSERT INTO users (id, username, password_hash, is_admin, is_oidc, oidc_identifier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Username, user.PasswordHash, user.IsAdmin, user.IsOIDC, user.OIDCIdentifier, user.CreatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, common.ErrorAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *SQLRepository) getOne(ctx context.Context, where string, arg any) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where + ` = $1`

	u := &models.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsOIDC, &u.OIDCIdentifier,
		&u.KEKSalt, &u.WrappedDEK, &u.TOTPEnabled, &u.TOTPSecret, &u.TOTPBackupCodes,
		&u.OIDCClientSecret, &u.SchemaVersion, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, "id", id)
}

func (r *SQLRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, "username", username)
}

func (r *SQLRepository) GetByOIDCIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	if identifier == "" {
		return nil, common.ErrorNotFound
	}
	return r.getOne(ctx, "oidc_identifier", identifier)
}

func (r *SQLRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *SQLRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *SQLRepository) SetKeyMaterial(ctx context.Context, id, kekSalt, wrappedDEK string) error {
	return r.exec(ctx, `UPDATE users SET kek_salt = $1, wrapped_dek = $2 WHERE id = $3`, kekSalt, wrappedDEK, id)
}

func (r *SQLRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
}

func (r *SQLRepository) SetTOTPEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, `UPDATE users SET totp_enabled = $1 WHERE id = $2`, enabled, id)
}

func (r *SQLRepository) SetSchemaVersion(ctx context.Context, id string, version int) error {
	return r.exec(ctx, `UPDATE users SET sensitive_schema_version = $1 WHERE id = $2`, version, id)
}

func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]*models.User, error) {
	u, err := r.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []*models.User{u}, nil
}

func (r *SQLRepository) UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error {
	return dbx.UpdateColumns(ctx, r.db, "users", id, values, sensitiveColumns)
}

func (r *SQLRepository) SwapSensitiveField(ctx context.Context, id, column, oldValue, newValue string) error {
	if !slices.Contains(sensitiveColumns, column) {
		return fmt.Errorf("column %q is not writable in users", column)
	}
	return r.exec(ctx, `UPDATE users SET `+column+` = $1 WHERE id = $2 AND `+column+` = $3`, newValue, id, oldValue)
}
