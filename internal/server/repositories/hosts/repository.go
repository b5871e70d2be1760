// Package hosts persists saved SSH connections (table ssh_data).
package hosts

import (
	"context"

	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, host *models.Host) (*models.Host, error)
	// Update rewrites every column of a host owned by host.UserID.
	Update(ctx context.Context, host *models.Host) error
	GetByID(ctx context.Context, id string) (*models.Host, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Host, error)
	Delete(ctx context.Context, userID, id string) error
	UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error
}
