package services

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
)

// TOTPSetup is the enrolment material shown to the user once.
type TOTPSetup struct {
	Secret string
	URL    string
}

// unlockedUser loads the user and a copy of their data key, which the
// caller must wipe.
func (s *AuthService) unlockedUser(ctx context.Context, userID string) (*models.User, []byte, error) {
	dek, err := s.keys.DEK(userID)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		common.WipeByteArray(dek)
		return nil, nil, err
	}
	return user, dek, nil
}

// SetupTOTP stores a fresh encrypted secret. TOTP stays disabled until
// EnableTOTP confirms a code.
func (s *AuthService) SetupTOTP(ctx context.Context, userID string) (*TOTPSetup, error) {
	user, dek, err := s.unlockedUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	if user.TOTPEnabled {
		return nil, fmt.Errorf("%w: totp already enabled", common.ErrorAlreadyExists)
	}

	secret, url, err := auth.NewTOTPSecret(s.totpIssuer, user.Username)
	if err != nil {
		return nil, err
	}
	cols, err := s.codecs.Users.EncryptFields(userID, map[string]string{"totpSecret": secret}, dek)
	if err != nil {
		return nil, err
	}
	if err := s.repomanager.Users(s.db).UpdateSensitiveFields(ctx, userID, cols); err != nil {
		return nil, err
	}
	return &TOTPSetup{Secret: secret, URL: url}, nil
}

// EnableTOTP checks code against the stored secret, then turns the second
// factor on and returns a new set of backup codes.
func (s *AuthService) EnableTOTP(ctx context.Context, userID, code string) ([]string, error) {
	user, dek, err := s.unlockedUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	plain := s.codecs.Users.DecryptRecord(ctx, *user, dek)
	if plain.TOTPSecret == "" {
		return nil, fmt.Errorf("%w: run totp setup first", common.ErrInvalidInput)
	}
	if !auth.ValidateTOTP(code, plain.TOTPSecret, s.now()) {
		return nil, common.ErrAuthenticationFailed
	}

	codes, err := s.storeBackupCodes(ctx, userID, dek, true)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "totp enabled", "user_id", userID)
	return codes, nil
}

// RegenerateBackupCodes replaces all backup codes. code must be a current
// TOTP code.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error) {
	user, dek, err := s.unlockedUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	if !user.TOTPEnabled {
		return nil, fmt.Errorf("%w: totp is not enabled", common.ErrInvalidInput)
	}
	plain := s.codecs.Users.DecryptRecord(ctx, *user, dek)
	if !auth.ValidateTOTP(code, plain.TOTPSecret, s.now()) {
		return nil, common.ErrAuthenticationFailed
	}
	return s.storeBackupCodes(ctx, userID, dek, false)
}

func (s *AuthService) storeBackupCodes(ctx context.Context, userID string, dek []byte, enable bool) ([]string, error) {
	codes, err := auth.NewBackupCodes(auth.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	enc, err := auth.EncodeBackupCodes(codes)
	if err != nil {
		return nil, err
	}
	cols, err := s.codecs.Users.EncryptFields(userID, map[string]string{"totpBackupCodes": enc}, dek)
	if err != nil {
		return nil, err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		if err := repo.UpdateSensitiveFields(ctx, userID, cols); err != nil {
			return err
		}
		if enable {
			return repo.SetTOTPEnabled(ctx, userID, true)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DisableTOTP needs either the account password or a valid code (TOTP or
// backup). The stored secret and backup codes are cleared.
func (s *AuthService) DisableTOTP(ctx context.Context, userID, password, code string) error {
	if err := s.allow("totp:" + userID); err != nil {
		return err
	}
	user, dek, err := s.unlockedUser(ctx, userID)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(dek)

	if !user.TOTPEnabled {
		return nil
	}

	authorized := false
	if password != "" && user.PasswordHash != "" {
		if authorized, err = s.hasher.Verify(user.PasswordHash, password); err != nil {
			return err
		}
	}
	if !authorized && code != "" {
		if err := s.checkSecondFactor(ctx, user, dek, code); err != nil {
			return err
		}
		authorized = true
	}
	if !authorized {
		return common.ErrAuthenticationFailed
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		if err := repo.UpdateSensitiveFields(ctx, userID, map[string]string{
			"totp_secret":       "",
			"totp_backup_codes": "",
		}); err != nil {
			return err
		}
		return repo.SetTOTPEnabled(ctx, userID, false)
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "totp disabled", "user_id", userID)
	return nil
}
