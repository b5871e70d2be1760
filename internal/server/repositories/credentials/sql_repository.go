package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/google/uuid"
)

const credentialColumns = `id, user_id, name, username, auth_type, password, private_key,
		public_key, key_password, key_type, created_at, updated_at`

var sensitiveColumns = []string{"password", "private_key", "key_password"}

type SQLRepository struct {
	db dbx.DBTX
}

func NewSQLRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) Create(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	query :=
		`INSERT INTO ssh_credentials (` + credentialColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 `

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, c.Name, c.Username, c.AuthType, c.Password, c.PrivateKey,
		c.PublicKey, c.KeyPassword, c.KeyType, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) Update(ctx context.Context, c *models.Credential) error {
	c.UpdatedAt = time.Now().UTC()

	query :=
		`UPDATE ssh_credentials SET name = $1, username = $2, auth_type = $3, password = $4,
		 private_key = $5, public_key = $6, key_password = $7, key_type = $8, updated_at = $9
		 WHERE id = $10 AND user_id = $11
		 `

	res, err := r.db.ExecContext(ctx, query,
		c.Name, c.Username, c.AuthType, c.Password, c.PrivateKey,
		c.PublicKey, c.KeyPassword, c.KeyType, c.UpdatedAt, c.ID, c.UserID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return mustAffect(res)
}

func scanCredential(s interface{ Scan(...any) error }) (*models.Credential, error) {
	c := &models.Credential{}
	err := s.Scan(&c.ID, &c.UserID, &c.Name, &c.Username, &c.AuthType, &c.Password, &c.PrivateKey,
		&c.PublicKey, &c.KeyPassword, &c.KeyType, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM ssh_credentials WHERE id = $1`

	c, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM ssh_credentials WHERE user_id = $1 ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ssh_credentials WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return mustAffect(res)
}

func (r *SQLRepository) UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error {
	return dbx.UpdateColumns(ctx, r.db, "ssh_credentials", id, values, sensitiveColumns)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
