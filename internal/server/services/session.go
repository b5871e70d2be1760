// Package services contains the server-side business logic: the session
// authority (register, login, second factor, OIDC, password change), the
// host and credential data service and the admin service (vault export,
// import, migration, health).
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/keys"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/records"
	"github.com/dmitrijs2005/sshkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sshkeeper/internal/server/config"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/repomanager"
)

const minPasswordLength = 8

// LoginResult is what a login step hands back to the transport. When
// Pending2FA is set the token only allows VerifyTOTP.
type LoginResult struct {
	Token      string
	UserID     string
	Pending2FA bool
	ExpiresAt  time.Time
}

// Status describes the caller's account and key state.
type Status struct {
	UserID        string
	Username      string
	IsAdmin       bool
	IsOIDC        bool
	TOTPEnabled   bool
	Unlocked      bool
	SchemaVersion int
}

// AuthService is the session authority: it checks credentials, unlocks the
// user's data key and issues tokens that carry nothing but the user id,
// expiry and the pending second-factor flag.
type AuthService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keys.Manager
	codecs      *Codecs
	hasher      *auth.PasswordHasher
	limiter     *auth.Limiter
	verifier    auth.IdentityVerifier
	claimPaths  auth.ClaimPaths
	logger      logging.Logger

	jwtSecret   []byte
	sessionTTL  time.Duration
	rememberTTL time.Duration
	pendingTTL  time.Duration
	totpIssuer  string

	now func() time.Time
}

type AuthOption func(*AuthService)

// WithIdentityVerifier enables LoginOIDC.
func WithIdentityVerifier(v auth.IdentityVerifier, paths auth.ClaimPaths) AuthOption {
	return func(s *AuthService) {
		s.verifier = v
		s.claimPaths = paths
	}
}

func WithPasswordHasher(h *auth.PasswordHasher) AuthOption {
	return func(s *AuthService) { s.hasher = h }
}

func WithLimiter(l *auth.Limiter) AuthOption {
	return func(s *AuthService) { s.limiter = l }
}

func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, km *keys.Manager, codecs *Codecs,
	cfg *config.Config, logger logging.Logger, opts ...AuthOption) *AuthService {
	s := &AuthService{
		db:          db,
		repomanager: m,
		keys:        km,
		codecs:      codecs,
		hasher:      auth.NewPasswordHasher(),
		claimPaths:  auth.DefaultClaimPaths,
		logger:      logger.With("module", "session"),
		jwtSecret:   []byte(cfg.SecretKey),
		sessionTTL:  cfg.SessionDuration,
		rememberTTL: cfg.RememberDuration,
		pendingTTL:  cfg.PendingTOTPDuration,
		totpIssuer:  cfg.TOTPIssuer,
		now:         time.Now,
	}
	if cfg.LoginRatePerMin > 0 {
		s.limiter = auth.NewLimiter(auth.PerWindow(cfg.LoginRatePerMin, time.Minute), cfg.LoginBurst, time.Hour)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *AuthService) allow(key string) error {
	if s.limiter != nil && !s.limiter.Allow(key) {
		return common.ErrRateLimited
	}
	return nil
}

// Register creates a local user and provisions their data key in the same
// transaction, so a failed key setup leaves no user row behind. The first
// user becomes admin. Registration does not log the user in.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: username required, password of at least %d characters", common.ErrInvalidInput, minPasswordLength)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	var user *models.User
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)

		n, err := repo.Count(ctx)
		if err != nil {
			return err
		}
		user, err = repo.Create(ctx, &models.User{
			Username:      username,
			PasswordHash:  hash,
			IsAdmin:       n == 0,
			SchemaVersion: records.SchemaVersion,
		})
		if err != nil {
			return err
		}
		if err := repo.SetSchemaVersion(ctx, user.ID, records.SchemaVersion); err != nil {
			return err
		}
		return s.keys.RegisterUser(ctx, tx, user.ID, password)
	})
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, err
		}
		s.logger.Error(ctx, "registration failed", "username", username, "error", err)
		return nil, err
	}

	s.logger.Info(ctx, "user registered", "user_id", user.ID, "admin", user.IsAdmin)
	return user, nil
}

// Login checks the password hash, then unwraps the data key. Users with
// TOTP enabled get a pending token; everyone else a full session. The
// schema upgrade pass only runs once every factor has been checked.
func (s *AuthService) Login(ctx context.Context, username, password string, remember bool) (*LoginResult, error) {
	if err := s.allow("login:" + username); err != nil {
		return nil, err
	}

	user, err := s.repomanager.Users(s.db).GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Info(ctx, "login rejected", "username", username)
			return nil, common.ErrAuthenticationFailed
		}
		return nil, err
	}
	if user.IsOIDC || user.PasswordHash == "" {
		return nil, common.ErrAuthenticationFailed
	}

	ok, err := s.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info(ctx, "login rejected", "user_id", user.ID)
		return nil, common.ErrAuthenticationFailed
	}

	unlocked, err := s.keys.AuthenticateUser(ctx, user.ID, password)
	if err != nil {
		return nil, err
	}
	if !unlocked {
		s.logger.Warn(ctx, "password hash accepted but data key did not open", "user_id", user.ID)
		return nil, common.ErrAuthenticationFailed
	}

	if user.TOTPEnabled {
		return s.issue(user.ID, s.pendingTTL, true)
	}
	s.upgrade(ctx, user)
	return s.issue(user.ID, s.ttl(remember), false)
}

func (s *AuthService) ttl(remember bool) time.Duration {
	if remember && s.rememberTTL > 0 {
		return s.rememberTTL
	}
	return s.sessionTTL
}

func (s *AuthService) issue(userID string, ttl time.Duration, pending bool) (*LoginResult, error) {
	gen := auth.GenerateToken
	if pending {
		gen = auth.GeneratePendingToken
	}
	token, err := gen(userID, s.jwtSecret, ttl)
	if err != nil {
		return nil, common.ErrorInternal
	}
	return &LoginResult{
		Token:      token,
		UserID:     userID,
		Pending2FA: pending,
		ExpiresAt:  s.now().Add(ttl),
	}, nil
}

// upgrade runs the sensitive-field migration for users whose stored schema
// version is behind. Failures are logged and retried on the next login.
func (s *AuthService) upgrade(ctx context.Context, user *models.User) {
	if user.SchemaVersion >= records.SchemaVersion {
		return
	}
	dek, err := s.keys.DEK(user.ID)
	if err != nil {
		return
	}
	defer common.WipeByteArray(dek)

	report, err := s.codecs.Bulk.MigrateUserSensitiveFields(ctx, s.db, user.ID, dek)
	if err != nil {
		s.logger.Error(ctx, "first-login upgrade failed", "user_id", user.ID, "error", err)
		return
	}
	if err := s.repomanager.Users(s.db).SetSchemaVersion(ctx, user.ID, records.SchemaVersion); err != nil {
		s.logger.Error(ctx, "schema version not saved", "user_id", user.ID, "error", err)
		return
	}
	user.SchemaVersion = records.SchemaVersion
	s.logger.Info(ctx, "first-login upgrade done", "user_id", user.ID,
		"updated", report.Updated(), "failed", report.Failed())
}

// VerifyTOTP completes a pending login with a TOTP code or a backup code.
// A used backup code is removed.
func (s *AuthService) VerifyTOTP(ctx context.Context, pendingToken, code string, remember bool) (*LoginResult, error) {
	claims, err := auth.ParseToken(pendingToken, s.jwtSecret)
	if err != nil {
		return nil, err
	}
	if !claims.Pending2FA {
		return nil, common.ErrInvalidToken
	}
	userID := claims.UserID
	if err := s.allow("totp:" + userID); err != nil {
		return nil, err
	}

	dek, err := s.keys.DEK(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TOTPEnabled {
		return nil, common.ErrInvalidToken
	}

	if err := s.checkSecondFactor(ctx, user, dek, code); err != nil {
		return nil, err
	}
	s.upgrade(ctx, user)
	return s.issue(userID, s.ttl(remember), false)
}

func (s *AuthService) checkSecondFactor(ctx context.Context, user *models.User, dek []byte, code string) error {
	plain := s.codecs.Users.DecryptRecord(ctx, *user, dek)

	if auth.ValidateTOTP(code, plain.TOTPSecret, s.now()) {
		return nil
	}

	codes, err := auth.DecodeBackupCodes(plain.TOTPBackupCodes)
	if err != nil {
		return err
	}
	rest, ok := auth.ConsumeBackupCode(codes, code)
	if !ok {
		s.logger.Info(ctx, "second factor rejected", "user_id", user.ID)
		return common.ErrAuthenticationFailed
	}

	enc, err := auth.EncodeBackupCodes(rest)
	if err != nil {
		return err
	}
	cols, err := s.codecs.Users.EncryptFields(user.ID, map[string]string{"totpBackupCodes": enc}, dek)
	if err != nil {
		return err
	}
	// Compare against the row as read so two logins racing on one code
	// cannot both consume it.
	err = s.repomanager.Users(s.db).SwapSensitiveField(ctx, user.ID, "totp_backup_codes",
		user.TOTPBackupCodes, cols["totp_backup_codes"])
	if errors.Is(err, common.ErrorNotFound) {
		s.logger.Info(ctx, "backup code already consumed", "user_id", user.ID)
		return common.ErrAuthenticationFailed
	}
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "backup code used", "user_id", user.ID, "remaining", len(rest))
	return nil
}

// LoginOIDC signs in with an identity-provider token. A first-seen identity
// gets a user row and a data key wrapped under its system credential; later
// logins unlock with that credential without a password prompt.
func (s *AuthService) LoginOIDC(ctx context.Context, idToken string, remember bool) (*LoginResult, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: oidc sign-in is not configured", common.ErrForbidden)
	}
	claims, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		s.logger.Info(ctx, "identity token rejected", "error", err)
		return nil, common.ErrAuthenticationFailed
	}
	ident, err := auth.ResolveIdentity(claims, s.claimPaths)
	if err != nil {
		return nil, err
	}

	user, err := s.repomanager.Users(s.db).GetByOIDCIdentifier(ctx, ident.Identifier)
	if errors.Is(err, common.ErrorNotFound) {
		user, err = s.registerOIDC(ctx, ident)
		if errors.Is(err, common.ErrorAlreadyExists) {
			// a concurrent first login won the insert
			user, err = s.repomanager.Users(s.db).GetByOIDCIdentifier(ctx, ident.Identifier)
		}
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.keys.UnlockOIDC(ctx, user.ID, ident.Identifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warn(ctx, "oidc system credential did not open data key", "user_id", user.ID)
		return nil, common.ErrAuthenticationFailed
	}

	s.upgrade(ctx, user)
	return s.issue(user.ID, s.ttl(remember), false)
}

func (s *AuthService) registerOIDC(ctx context.Context, ident auth.Identity) (*models.User, error) {
	var user *models.User
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)

		n, err := repo.Count(ctx)
		if err != nil {
			return err
		}
		u := &models.User{
			Username:       ident.DisplayName,
			IsAdmin:        n == 0,
			IsOIDC:         true,
			OIDCIdentifier: ident.Identifier,
		}
		if _, err := repo.GetByUsername(ctx, u.Username); err == nil {
			u.Username = ident.DisplayName + "@" + ident.Identifier
		}
		if user, err = repo.Create(ctx, u); err != nil {
			return err
		}
		if err := repo.SetSchemaVersion(ctx, user.ID, records.SchemaVersion); err != nil {
			return err
		}
		user.SchemaVersion = records.SchemaVersion
		return s.keys.RegisterOIDCUser(ctx, tx, user.ID, ident.Identifier)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "oidc user registered", "user_id", user.ID)
	return user, nil
}

// Logout drops the user's cached data key. Outstanding tokens remain
// valid but every data call fails with common.ErrSessionExpired.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	return s.keys.LogoutUser(ctx, userID)
}

func (s *AuthService) Lock(ctx context.Context, userID string) error {
	return s.keys.LockUser(ctx, userID)
}

// ChangePassword re-wraps the data key under the new password and
// re-encrypts the user's own secrets, together with the new hash, in one
// transaction.
func (s *AuthService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password of at least %d characters", common.ErrInvalidInput, minPasswordLength)
	}
	if err := s.allow("password:" + userID); err != nil {
		return err
	}

	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsOIDC {
		return fmt.Errorf("%w: identity-provider users have no password", common.ErrForbidden)
	}
	ok, err := s.hasher.Verify(user.PasswordHash, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrAuthenticationFailed
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.keys.ChangeUserPassword(ctx, tx, userID, oldPassword, newPassword); err != nil {
			return err
		}
		return s.repomanager.Users(tx).UpdatePasswordHash(ctx, userID, hash)
	})
	if err != nil {
		if !errors.Is(err, common.ErrAuthenticationFailed) {
			s.logger.Error(ctx, "password change failed", "user_id", userID, "error", err)
		}
		return err
	}
	s.logger.Info(ctx, "password changed", "user_id", userID)
	return nil
}

func (s *AuthService) Status(ctx context.Context, userID string) (*Status, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Status{
		UserID:        user.ID,
		Username:      user.Username,
		IsAdmin:       user.IsAdmin,
		IsOIDC:        user.IsOIDC,
		TOTPEnabled:   user.TOTPEnabled,
		Unlocked:      s.keys.IsUserUnlocked(user.ID),
		SchemaVersion: user.SchemaVersion,
	}, nil
}

// UserIDFromToken resolves a full session token. Pending tokens yield
// common.ErrTOTPRequired.
func (s *AuthService) UserIDFromToken(token string) (string, error) {
	return auth.GetUserIDFromToken(token, s.jwtSecret)
}
