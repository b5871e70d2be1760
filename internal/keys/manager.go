// Package keys owns the per-user key hierarchy: a random data key (DEK) per
// user, wrapped under a key-encryption key (KEK) derived from the user's
// password, and the in-memory cache of unwrapped DEKs.
package keys

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
)

// ErrNoKeyMaterial means the user row exists but no DEK was ever provisioned.
var ErrNoKeyMaterial = errors.New("user has no key material")

// KeyStore is the slice of the users repository the manager needs.
type KeyStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	SetKeyMaterial(ctx context.Context, id, kekSalt, wrappedDEK string) error
}

type KeyStoreFactory func(db dbx.DBTX) KeyStore

// Reencryptor re-seals a user's own secrets (TOTP material, OIDC client
// secret) during a password change, inside the same transaction.
type Reencryptor interface {
	ReencryptUserSecrets(ctx context.Context, db dbx.DBTX, userID string, dek []byte) error
}

type Manager struct {
	db          *sql.DB
	stores      KeyStoreFactory
	cache       *UnlockCache
	pool        *cryptox.Pool
	params      cryptox.KDFParams
	reencryptor Reencryptor
	machineKey  []byte
	logger      logging.Logger
}

type Option func(*Manager)

func WithKDFParams(p cryptox.KDFParams) Option {
	return func(m *Manager) { m.params = p }
}

func WithPool(p *cryptox.Pool) Option {
	return func(m *Manager) { m.pool = p }
}

func WithReencryptor(r Reencryptor) Option {
	return func(m *Manager) { m.reencryptor = r }
}

// WithMachineKey enables the OIDC unlock path.
func WithMachineKey(key []byte) Option {
	return func(m *Manager) { m.machineKey = key }
}

func NewManager(db *sql.DB, stores KeyStoreFactory, cache *UnlockCache, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		stores: stores,
		cache:  cache,
		params: cryptox.DefaultKDFParams,
		logger: logger.With("module", "keys"),
	}
	for _, o := range opts {
		o(m)
	}
	if m.pool == nil {
		m.pool = cryptox.NewPool(0)
	}
	return m
}

func (m *Manager) Cache() *UnlockCache { return m.cache }

func (m *Manager) deriveKEK(ctx context.Context, password, salt []byte, p cryptox.KDFParams) ([]byte, error) {
	var kek []byte
	err := m.pool.Do(ctx, func() error {
		var err error
		kek, err = cryptox.DeriveKEK(password, salt, p)
		return err
	})
	return kek, err
}

// RegisterUser provisions a fresh DEK for userID and stores it wrapped
// under a KEK derived from password. db may be a transaction so the user
// row and its key material commit together. The cache is not touched.
func (m *Manager) RegisterUser(ctx context.Context, db dbx.DBTX, userID, password string) error {
	unlock, err := m.cache.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	store := m.stores(db)
	u, err := store.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if u.HasKeyMaterial() {
		return fmt.Errorf("%w: user %s already has a data key", common.ErrSetupConflict, userID)
	}

	dek := cryptox.NewKey()
	defer common.WipeByteArray(dek)

	salt, wrapped, err := m.wrap(ctx, userID, []byte(password), dek)
	if err != nil {
		return err
	}
	if err := store.SetKeyMaterial(ctx, userID, salt, wrapped); err != nil {
		return fmt.Errorf("store key material: %w", err)
	}

	m.logger.Info(ctx, "data key provisioned", "user_id", userID)
	return nil
}

func (m *Manager) wrap(ctx context.Context, userID string, password, dek []byte) (string, string, error) {
	salt := common.GenerateRandByteArray(cryptox.SaltSize)
	kek, err := m.deriveKEK(ctx, password, salt, m.params)
	if err != nil {
		return "", "", err
	}
	defer common.WipeByteArray(kek)

	wrapped, err := wrapDEK(kek, dek, userID, m.params)
	if err != nil {
		return "", "", fmt.Errorf("wrap data key: %w", err)
	}
	return encodeSalt(salt), wrapped, nil
}

// unwrap returns the DEK, or common.ErrAuthenticationFailed when password
// does not open it. Corrupt key material is common.ErrKeyDerivation.
func (m *Manager) unwrap(ctx context.Context, u *models.User, password []byte) ([]byte, error) {
	if !u.HasKeyMaterial() {
		return nil, ErrNoKeyMaterial
	}
	salt, err := decodeSalt(u.KEKSalt)
	if err != nil {
		return nil, err
	}
	w, sealed, err := parseWrapped(u.WrappedDEK)
	if err != nil {
		return nil, err
	}

	kek, err := m.deriveKEK(ctx, password, salt, w.params())
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(kek)

	dek, err := cryptox.Open(kek, sealed, wrapAAD(u.ID))
	if err != nil {
		if errors.Is(err, common.ErrIntegrity) {
			return nil, common.ErrAuthenticationFailed
		}
		return nil, err
	}
	return dek, nil
}

// AuthenticateUser unwraps the user's DEK with password and caches it.
// A wrong password returns false with a nil error and leaves the cache as
// it was. Corrupt key material returns common.ErrKeyDerivation.
func (m *Manager) AuthenticateUser(ctx context.Context, userID, password string) (bool, error) {
	return m.unlock(ctx, userID, []byte(password))
}

func (m *Manager) unlock(ctx context.Context, userID string, secret []byte) (bool, error) {
	unlock, err := m.cache.acquire(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	u, err := m.stores(m.db).GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}

	m.cache.setUnlocking(userID, true)
	defer m.cache.setUnlocking(userID, false)

	dek, err := m.unwrap(ctx, u, secret)
	if err != nil {
		if errors.Is(err, common.ErrAuthenticationFailed) {
			m.logger.Info(ctx, "unlock rejected", "user_id", userID)
			return false, nil
		}
		if errors.Is(err, common.ErrKeyDerivation) {
			m.logger.Error(ctx, "key material unusable", "user_id", userID, "error", err)
		}
		return false, err
	}
	defer common.WipeByteArray(dek)

	m.cache.put(userID, dek)
	return true, nil
}

// SystemCredential is the password stand-in for OIDC users. It is
// recomputed on every login from a sub-key of the machine key and never
// stored.
func SystemCredential(machineKey []byte, userID, identifier string) (string, error) {
	key, err := cryptox.DeriveSubKey(machineKey, nil, []byte(cryptox.InfoOIDCUnlock))
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(key)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("oidc-unlock:" + userID + ":" + identifier))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (m *Manager) systemCredential(userID, identifier string) (string, error) {
	if len(m.machineKey) == 0 {
		return "", errors.New("oidc unlock needs a machine key")
	}
	return SystemCredential(m.machineKey, userID, identifier)
}

// RegisterOIDCUser provisions a DEK for an identity-provider user, wrapped
// under the system credential instead of a human password.
func (m *Manager) RegisterOIDCUser(ctx context.Context, db dbx.DBTX, userID, identifier string) error {
	cred, err := m.systemCredential(userID, identifier)
	if err != nil {
		return err
	}
	return m.RegisterUser(ctx, db, userID, cred)
}

// UnlockOIDC restores the DEK of an identity-provider user without a
// password prompt.
func (m *Manager) UnlockOIDC(ctx context.Context, userID, identifier string) (bool, error) {
	cred, err := m.systemCredential(userID, identifier)
	if err != nil {
		return false, err
	}
	return m.unlock(ctx, userID, []byte(cred))
}

// ChangeUserPassword re-wraps the same DEK under a KEK derived from
// newPassword with a fresh salt, then re-encrypts the user's own secrets.
// Existing field envelopes stay valid because the DEK does not change.
// A wrong oldPassword returns common.ErrAuthenticationFailed.
func (m *Manager) ChangeUserPassword(ctx context.Context, db dbx.DBTX, userID, oldPassword, newPassword string) error {
	unlock, err := m.cache.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	store := m.stores(db)
	u, err := store.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	dek, err := m.unwrap(ctx, u, []byte(oldPassword))
	if err != nil {
		return err
	}
	defer common.WipeByteArray(dek)

	salt, wrapped, err := m.wrap(ctx, userID, []byte(newPassword), dek)
	if err != nil {
		return err
	}
	if err := store.SetKeyMaterial(ctx, userID, salt, wrapped); err != nil {
		return fmt.Errorf("store key material: %w", err)
	}

	if m.reencryptor != nil {
		if err := m.reencryptor.ReencryptUserSecrets(ctx, db, userID, dek); err != nil {
			return fmt.Errorf("re-encrypt user secrets: %w", err)
		}
	}

	// Same DEK, so the entry is valid whether or not the caller's
	// transaction commits.
	m.cache.put(userID, dek)
	m.logger.Info(ctx, "data key re-wrapped", "user_id", userID)
	return nil
}

// LockUser drops the user's cached DEK. Later reads fail with
// common.ErrSessionExpired until the user authenticates again.
func (m *Manager) LockUser(ctx context.Context, userID string) error {
	unlock, err := m.cache.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if m.cache.remove(userID) {
		m.logger.Info(ctx, "user locked", "user_id", userID)
	}
	return nil
}

// LogoutUser is LockUser under the name the session layer uses.
func (m *Manager) LogoutUser(ctx context.Context, userID string) error {
	return m.LockUser(ctx, userID)
}

func (m *Manager) IsUserUnlocked(userID string) bool {
	return m.cache.IsUnlocked(userID)
}

// DEK returns the cached data key or common.ErrSessionExpired.
func (m *Manager) DEK(userID string) ([]byte, error) {
	return m.cache.DEK(userID)
}
