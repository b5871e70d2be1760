// Package users persists account rows, their wrapped data keys and the
// per-user secrets (TOTP material, OIDC client secret).
package users

import (
	"context"

	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByOIDCIdentifier(ctx context.Context, identifier string) (*models.User, error)
	Count(ctx context.Context) (int, error)
	SetKeyMaterial(ctx context.Context, id, kekSalt, wrappedDEK string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetTOTPEnabled(ctx context.Context, id string, enabled bool) error
	SetSchemaVersion(ctx context.Context, id string, version int) error

	// ListByUser returns the user's own row; users are their own owner.
	ListByUser(ctx context.Context, userID string) ([]*models.User, error)
	UpdateSensitiveFields(ctx context.Context, id string, values map[string]string) error
	// SwapSensitiveField writes newValue only while the column still holds
	// oldValue; otherwise common.ErrorNotFound.
	SwapSensitiveField(ctx context.Context, id, column, oldValue, newValue string) error
}
