package hosts

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

const hostColumns = `id, user_id, name, ip, port, username, auth_type, password, ssh_key,
		key_password, key_type, created_at, updated_at`

var sensitiveColumns = []string{"password", "ssh_key", "key_password"}

type SQLRepository struct {
	db dbx.DBTX
}

func NewSQLRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) Create(ctx context.Context, h *models.Host) (*models.Host, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now

	query :=
		`INSERT INTO ssh_data (` + hostColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 `

	_, err := r.db.ExecContext(ctx, query,
		h.ID, h.UserID, h.Name, h.IP, h.Port, h.Username, h.AuthType,
		h.Password, h.Key, h.KeyPassword, h.KeyType, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return h, nil
}

func (r *SQLRepository) Update(ctx context.Context, h *models.Host) error {
	h.UpdatedAt = time.Now().UTC()

	query :=
		`UPDATE ssh_data SET name = $1, ip = $2, port = $3, username = $4, auth_type = $5,
		 password = $6, ssh_key = $7, key_password = $8, key_type = $9, updated_at = $10
		 WHERE id = $11 AND user_id = $12
		 `

	res, err := r.db.ExecContext(ctx, query,
		h.Name, h.IP, h.Port, h.Username, h.AuthType,
		h.Password, h.Key, h.KeyPassword, h.KeyType, h.UpdatedAt, h.ID, h.UserID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return mustAffect(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (*models.Host, error) {
	h := &models.Host{}
	err := s.Scan(&h.ID, &h.UserID, &h.Name, &h.IP, &h.Port, &h.Username, &h.AuthType,
		&h.Password, &h.Key, &h.KeyPassword, &h.KeyType, &h.CreatedAt, &h.UpdatedAt)
	return h, err
}

func (r *SQLRepository) GetByID(ctx context.Context, id string) (*models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM ssh_data WHERE id = $1`

	h, err := scanHost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return h, nil
}

func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]*models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM ssh_data WHERE user_id = $1 ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ssh_data WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return mustAffect(res)
}

func (r *SQLRepository) UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error {
	return dbx.UpdateColumns(ctx, r.db, "ssh_data", id, values, sensitiveColumns)
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
