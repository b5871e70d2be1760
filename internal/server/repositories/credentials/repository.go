// Package credentials persists reusable SSH credentials (table ssh_credentials).
package credentials

import (
	"context"

	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, cred *models.Credential) (*models.Credential, error)
	Update(ctx context.Context, cred *models.Credential) error
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Credential, error)
	Delete(ctx context.Context, userID, id string) error
	UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error
}
