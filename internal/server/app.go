// Package server wires configuration, storage, the key manager and the
// services together and runs the gRPC endpoint until a shutdown signal.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
	"github.com/dmitrijs2005/sshkeeper/internal/filex"
	"github.com/dmitrijs2005/sshkeeper/internal/keys"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/server/auth"
	"github.com/dmitrijs2005/sshkeeper/internal/server/config"
	"github.com/dmitrijs2005/sshkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/sshkeeper/internal/server/services"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"

	gs "github.com/dmitrijs2005/sshkeeper/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	authService  *services.AuthService
	dataService  *services.DataService
	adminService *services.AdminService
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(c.LogLevel)

	if _, err := filex.EnsureDir(c.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	generated, err := c.ResolveSecretKey()
	if err != nil {
		return nil, fmt.Errorf("session secret: %w", err)
	}
	if generated {
		logger.Warn(ctx, "generated a new session signing secret", "path", c.SecretKeyFile)
	}

	dbPath := ""
	if c.DBDriver == repomanager.DriverSQLite {
		dbPath = repomanager.SQLitePath(c.DatabaseDSN)
	}
	if dbPath != "" {
		swapped, err := vaultfile.ApplyStagedRestore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("staged restore: %w", err)
		}
		if swapped {
			logger.Warn(ctx, "datastore replaced from staged vault import", "path", dbPath)
		}
	}

	rm, err := repomanager.NewRepositoryManager(c.DBDriver)
	if err != nil {
		return nil, err
	}
	db, err := repomanager.OpenDB(ctx, c.DBDriver, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	keySource := &vaultfile.MachineKeySource{EnvVar: c.MachineKeyEnv, EnvFile: c.EnvFile, KeyFile: c.MachineKeyFile}
	machineKey, err := keySource.MachineKey()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("machine key: %w", err)
	}

	codecs := services.NewCodecs(rm, c.CryptoWorkers, logger)
	km := keys.NewManager(db, services.KeyStores(rm), keys.NewUnlockCache(), logger,
		keys.WithPool(cryptox.NewPool(c.CryptoWorkers)),
		keys.WithReencryptor(codecs.Reencryptor()),
		keys.WithMachineKey(machineKey))

	var authOpts []services.AuthOption
	if c.OIDCKeyFile != "" {
		v, err := auth.NewJWTIdentityVerifierFromFile(c.OIDCKeyFile, c.OIDCIssuer, c.OIDCAudience)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("oidc: %w", err)
		}
		paths := auth.DefaultClaimPaths
		if len(c.OIDCIdentifierClaims) > 0 {
			paths.Identifier = c.OIDCIdentifierClaims
		}
		if len(c.OIDCNameClaims) > 0 {
			paths.DisplayName = c.OIDCNameClaims
		}
		authOpts = append(authOpts, services.WithIdentityVerifier(v, paths))
		logger.Info(ctx, "OIDC login enabled", "issuer", c.OIDCIssuer)
	}

	var remote vaultfile.RemoteStore
	if c.S3Enabled() {
		store, err := vaultfile.NewS3Store(ctx, c.S3Config())
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("s3: %w", err)
		}
		remote = store
	}
	vault := vaultfile.NewCodec(keySource)
	backups := vaultfile.NewBackupper(vault, c.BackupDir, remote, logger)

	var snapshot services.SnapshotFunc
	if dbPath != "" {
		snapshot = func(ctx context.Context) ([]byte, error) {
			return repomanager.SnapshotSQLite(ctx, db, c.DataDir)
		}
	}

	return &App{
		config:       c,
		logger:       logger,
		db:           db,
		authService:  services.NewAuthService(db, rm, km, codecs, c, logger, authOpts...),
		dataService:  services.NewDataService(db, rm, km, codecs, logger),
		adminService: services.NewAdminService(db, rm, km, codecs, vault, backups, snapshot, dbPath, logger),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.authService, app.dataService, app.adminService)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
}
