package credentials

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewSQLRepository(db), mock, db
}

func TestCreateAndGet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+ssh_credentials`).WillReturnResult(sqlmock.NewResult(0, 1))

	c, err := repo.Create(context.Background(), &models.Credential{UserID: "alice", Name: "deploy", PrivateKey: "{env}"})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)

	now := time.Now().UTC()
	mock.ExpectQuery(`(?s)^SELECT.*FROM\s+ssh_credentials\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs(c.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "username", "auth_type", "password",
			"private_key", "public_key", "key_password", "key_type", "created_at", "updated_at"}).
			AddRow(c.ID, "alice", "deploy", "git", "key", "", "{env}", "ssh-ed25519 AAA", "", "ed25519", now, now))

	got, err := repo.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "{env}", got.PrivateKey)
	assert.Equal(t, "ssh-ed25519 AAA", got.PublicKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_NotOwned(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^DELETE FROM ssh_credentials`).WithArgs("c1", "mallory").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, repo.Delete(context.Background(), "mallory", "c1"), common.ErrorNotFound)
}

func TestUpdateSensitiveFields_PrivateKeyColumn(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE ssh_credentials SET private_key = \$1 WHERE id = \$2$`).
		WithArgs("env", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateSensitiveFields(context.Background(), "c1", map[string]string{"private_key": "env"}))
	require.Error(t, repo.UpdateSensitiveFields(context.Background(), "c1", map[string]string{"public_key": "x"}))
}
