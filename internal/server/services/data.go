package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/keys"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// DataService stores hosts and credentials. Every call needs the owner's
// data key in the unlock cache; without it common.ErrSessionExpired is
// returned and nothing is read or written.
type DataService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	keys        *keys.Manager
	codecs      *Codecs
	logger      logging.Logger
}

func NewDataService(db *sql.DB, m repomanager.RepositoryManager, km *keys.Manager, codecs *Codecs, logger logging.Logger) *DataService {
	return &DataService{
		db:          db,
		repomanager: m,
		keys:        km,
		codecs:      codecs,
		logger:      logger.With("module", "data"),
	}
}

func (s *DataService) dek(userID string) ([]byte, error) {
	return s.keys.DEK(userID)
}

// SaveHost creates h when h.ID is empty and updates it otherwise. The id
// is fixed before encryption because envelopes are bound to it.
func (s *DataService) SaveHost(ctx context.Context, userID string, h models.Host) (*models.Host, error) {
	if strings.TrimSpace(h.Name) == "" {
		return nil, fmt.Errorf("%w: host name required", common.ErrInvalidInput)
	}
	dek, err := s.dek(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	repo := s.repomanager.Hosts(s.db)
	h.UserID = userID
	create := h.ID == ""
	if create {
		h.ID = uuid.NewString()
	} else if _, err := s.ownedHost(ctx, userID, h.ID); err != nil {
		return nil, err
	}

	enc, err := s.codecs.Hosts.EncryptRecord(h, dek)
	if err != nil {
		return nil, err
	}
	if create {
		saved, err := repo.Create(ctx, &enc)
		if err != nil {
			return nil, err
		}
		h.CreatedAt, h.UpdatedAt = saved.CreatedAt, saved.UpdatedAt
	} else {
		if err := repo.Update(ctx, &enc); err != nil {
			return nil, err
		}
		h.UpdatedAt = enc.UpdatedAt
	}
	return &h, nil
}

func (s *DataService) ownedHost(ctx context.Context, userID, id string) (*models.Host, error) {
	h, err := s.repomanager.Hosts(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return h, nil
}

func (s *DataService) GetHost(ctx context.Context, userID, id string) (*models.Host, error) {
	dek, err := s.dek(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	h, err := s.ownedHost(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	dec := s.codecs.Hosts.DecryptRecord(ctx, *h, dek)
	return &dec, nil
}

// ListHosts returns the user's hosts in name order. Fields that cannot be
// decrypted come back empty; the listing itself does not fail.
func (s *DataService) ListHosts(ctx context.Context, userID string) ([]models.Host, error) {
	dek, err := s.dek(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	rows, err := s.repomanager.Hosts(s.db).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	recs := make([]models.Host, len(rows))
	for i, r := range rows {
		recs[i] = *r
	}
	return s.codecs.Hosts.DecryptRecords(ctx, recs, dek)
}

func (s *DataService) DeleteHost(ctx context.Context, userID, id string) error {
	if !s.keys.IsUserUnlocked(userID) {
		return common.ErrSessionExpired
	}
	return s.repomanager.Hosts(s.db).Delete(ctx, userID, id)
}

func (s *DataService) SaveCredential(ctx context.Context, userID string, c models.Credential) (*models.Credential, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: credential name required", common.ErrInvalidInput)
	}
	dek, err := s.dek(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	repo := s.repomanager.Credentials(s.db)
	c.UserID = userID
	create := c.ID == ""
	if create {
		c.ID = uuid.NewString()
	} else if _, err := s.ownedCredential(ctx, userID, c.ID); err != nil {
		return nil, err
	}

	enc, err := s.codecs.Credentials.EncryptRecord(c, dek)
	if err != nil {
		return nil, err
	}
	if create {
		saved, err := repo.Create(ctx, &enc)
		if err != nil {
			return nil, err
		}
		c.CreatedAt, c.UpdatedAt = saved.CreatedAt, saved.UpdatedAt
	} else {
		if err := repo.Update(ctx, &enc); err != nil {
			return nil, err
		}
		c.UpdatedAt = enc.UpdatedAt
	}
	return &c, nil
}

func (s *DataService) ownedCredential(ctx context.Context, userID, id string) (*models.Credential, error) {
	c, err := s.repomanager.Credentials(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return c, nil
}

func (s *DataService) GetCredential(ctx context.Context, userID, id string) (*models.Credential, error) {
	dek, err := s.dek(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	c, err := s.ownedCredential(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	dec := s.codecs.Credentials.DecryptRecord(ctx, *c, dek)
	return &dec, nil
}

func (s *DataService) ListCredentials(ctx context.Context, userID string) ([]models.Credential, error) {
	dek, err := s.dek(userID)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	rows, err := s.repomanager.Credentials(s.db).ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	recs := make([]models.Credential, len(rows))
	for i, r := range rows {
		recs[i] = *r
	}
	return s.codecs.Credentials.DecryptRecords(ctx, recs, dek)
}

func (s *DataService) DeleteCredential(ctx context.Context, userID, id string) error {
	if !s.keys.IsUserUnlocked(userID) {
		return common.ErrSessionExpired
	}
	err := s.repomanager.Credentials(s.db).Delete(ctx, userID, id)
	if errors.Is(err, common.ErrorNotFound) {
		s.logger.Debug(ctx, "credential not found on delete", "user_id", userID, "id", id)
	}
	return err
}
