package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/hosts"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Hosts(db dbx.DBTX) hosts.Repository
	Credentials(db dbx.DBTX) credentials.Repository
}
