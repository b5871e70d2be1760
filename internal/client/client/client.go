package client

import (
	"context"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
)

// Client is the admin-side view of the keeper service.
type Client interface {
	Close() error
	Ping(ctx context.Context) error
	Login(ctx context.Context, username, password string) (*api.LoginReply, error)
	VerifyTOTP(ctx context.Context, code string) (*api.LoginReply, error)
	Logout(ctx context.Context) error
	Status(ctx context.Context) (*api.StatusReply, error)
	ExportVault(ctx context.Context, passphrase string) (*api.Vault, error)
	ImportVault(ctx context.Context, vault *api.Vault) (string, error)
	Backup(ctx context.Context, passphrase string) (*api.BackupReply, error)
	MigrateMyData(ctx context.Context) (*api.MigrationReport, error)
	Health(ctx context.Context) (*api.Health, error)
}
