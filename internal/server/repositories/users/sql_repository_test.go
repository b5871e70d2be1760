package users

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
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
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewSQLRepository(db), mock, db
}

var allColumns = []string{"id", "username", "password_hash", "is_admin", "is_oidc", "oidc_identifier",
	"kek_salt", "wrapped_dek", "totp_enabled", "totp_secret", "totp_backup_codes",
	"oidc_client_secret", "sensitive_schema_version", "created_at"}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+users\s*\(id,\s*username,\s*password_hash,\s*is_admin,\s*is_oidc,\s*oidc_identifier,\s*created_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7\)\s*$`

	mock.ExpectExec(q).
		WithArgs(sqlmock.AnyArg(), "alice", "hash", true, false, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := repo.Create(context.Background(), &models.User{Username: "alice", PasswordHash: "hash", IsAdmin: true})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^INSERT\s+INTO\s+users`).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.User{Username: "alice"})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetByUsername_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows(allColumns).
		AddRow("u-1", "alice", "hash", false, false, "", "salt", "wrapped", true, "sec", "codes", "", 2, created)
	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*username,.*FROM\s+users\s+WHERE\s+username\s*=\s*\$1$`).
		WithArgs("alice").
		WillReturnRows(rows)

	got, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "wrapped", got.WrappedDEK)
	assert.True(t, got.TOTPEnabled)
	assert.Equal(t, 2, got.SchemaVersion)
	assert.Equal(t, created, got.CreatedAt)
	assert.True(t, got.HasKeyMaterial())
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT.*FROM\s+users\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "ghost")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetByOIDCIdentifier_EmptyNeverMatches(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	_, err := repo.GetByOIDCIdentifier(context.Background(), "")
	require.ErrorIs(t, err, common.ErrorNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUser_MissingUserIsEmpty(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM\s+users`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	got, err := repo.ListByUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetKeyMaterial(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE users SET kek_salt = \$1, wrapped_dek = \$2 WHERE id = \$3$`).
		WithArgs("salt", "wrapped", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetKeyMaterial(context.Background(), "u-1", "salt", "wrapped"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSchemaVersion_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE users SET sensitive_schema_version`).
		WithArgs(2, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, repo.SetSchemaVersion(context.Background(), "ghost", 2), common.ErrorNotFound)
}

func TestUpdateSensitiveFields_OnlyUserColumns(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE users SET totp_secret = \$1 WHERE id = \$2$`).
		WithArgs("env", "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateSensitiveFields(context.Background(), "u-1", map[string]string{"totp_secret": "env"}))
	require.Error(t, repo.UpdateSensitiveFields(context.Background(), "u-1", map[string]string{"password_hash": "x"}))
}

func TestSwapSensitiveField(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `^UPDATE users SET totp_backup_codes = \$1 WHERE id = \$2 AND totp_backup_codes = \$3$`
	mock.ExpectExec(q).WithArgs("new", "u-1", "old").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("newer", "u-1", "old").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, repo.SwapSensitiveField(ctx, "u-1", "totp_backup_codes", "old", "new"))
	require.ErrorIs(t, repo.SwapSensitiveField(ctx, "u-1", "totp_backup_codes", "old", "newer"), common.ErrorNotFound,
		"a value changed underneath is not overwritten")
	require.Error(t, repo.SwapSensitiveField(ctx, "u-1", "password_hash", "a", "b"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`^SELECT COUNT\(\*\) FROM users$`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
