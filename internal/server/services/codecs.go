package services

import (
	"github.com/dmitrijs2005/sshkeeper/internal/dbx"
	"github.com/dmitrijs2005/sshkeeper/internal/fieldcrypt"
	"github.com/dmitrijs2005/sshkeeper/internal/keys"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/records"
	"github.com/dmitrijs2005/sshkeeper/internal/server/models"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/repomanager"
)

// Codecs bundles the per-kind record codecs, all sharing one migrator and
// so one integrity tracker.
type Codecs struct {
	Migrator    *fieldcrypt.Migrator
	Users       *records.Codec[models.User]
	Hosts       *records.Codec[models.Host]
	Credentials *records.Codec[models.Credential]
	Bulk        *records.BulkMigrator

	reencryptor *records.SecretReencryptor[models.User]
}

func NewCodecs(rm repomanager.RepositoryManager, workers int, logger logging.Logger) *Codecs {
	m := fieldcrypt.NewMigrator(fieldcrypt.DefaultAliases, fieldcrypt.NewIntegrityTracker(), logger)

	userStores := func(db dbx.DBTX) records.Store[models.User] { return rm.Users(db) }
	hostStores := func(db dbx.DBTX) records.Store[models.Host] { return rm.Hosts(db) }
	credStores := func(db dbx.DBTX) records.Store[models.Credential] { return rm.Credentials(db) }

	c := &Codecs{
		Migrator:    m,
		Users:       records.NewCodec(records.UserSchema, m, workers),
		Hosts:       records.NewCodec(records.HostSchema, m, workers),
		Credentials: records.NewCodec(records.CredentialSchema, m, workers),
	}
	c.Bulk = records.NewBulkMigrator(logger,
		records.NewKindMigrator(c.Users, userStores),
		records.NewKindMigrator(c.Hosts, hostStores),
		records.NewKindMigrator(c.Credentials, credStores),
	)
	c.reencryptor = records.NewSecretReencryptor(c.Users, userStores)
	return c
}

// Reencryptor re-seals TOTP material and the OIDC client secret during a
// password change.
func (c *Codecs) Reencryptor() keys.Reencryptor {
	return c.reencryptor
}

// KeyStores adapts the users repository for the key manager.
func KeyStores(rm repomanager.RepositoryManager) keys.KeyStoreFactory {
	return func(db dbx.DBTX) keys.KeyStore { return rm.Users(db) }
}
