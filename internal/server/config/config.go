// Package config handles configuration for the server: defaults, an
// optional JSON file, an optional dotenv file and command-line flags,
// applied in that order.
package config

import (
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
)

// Config holds runtime settings for the sshkeeper server.
type Config struct {
	EndpointAddrGRPC string
	DBDriver         string
	DatabaseDSN      string
	DataDir          string
	SecretKey        string
	SecretKeyFile    string
	LogLevel         string

	SessionDuration     time.Duration
	RememberDuration    time.Duration
	PendingTOTPDuration time.Duration

	MachineKeyFile string
	MachineKeyEnv  string
	EnvFile        string

	BackupDir      string
	S3RootUser     string
	S3RootPassword string
	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string

	OIDCIssuer           string
	OIDCAudience         string
	OIDCKeyFile          string
	OIDCIdentifierClaims []string
	OIDCNameClaims       []string

	CryptoWorkers   int
	LoginRatePerMin int
	LoginBurst      int
	TOTPIssuer      string
}

// LoadDefaults populates Config with development defaults. SecretKey is
// left empty; ResolveSecretKey fills it from SecretKeyFile.
func (c *Config) LoadDefaults() {
	c.EndpointAddrGRPC = ":50051"
	c.DBDriver = "sqlite"
	c.DatabaseDSN = "data/sshkeeper.db"
	c.DataDir = "data"
	c.SecretKeyFile = "data/.session-secret"
	c.LogLevel = "info"
	c.SessionDuration = 24 * time.Hour
	c.RememberDuration = 50 * 24 * time.Hour
	c.PendingTOTPDuration = 10 * time.Minute
	c.MachineKeyFile = "data/.machine-key"
	c.MachineKeyEnv = vaultfile.DefaultKeyEnv
	c.BackupDir = "data/backups"
	c.S3Region = "us-east-1"
	c.OIDCIdentifierClaims = []string{"sub"}
	c.OIDCNameClaims = []string{"name", "preferred_username", "email"}
	c.CryptoWorkers = 4
	c.LoginRatePerMin = 10
	c.LoginBurst = 5
	c.TOTPIssuer = "sshkeeper"
}

// S3Enabled reports whether offsite backup copies are configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

func (c *Config) S3Config() vaultfile.S3Config {
	return vaultfile.S3Config{
		AccessKey: c.S3RootUser,
		SecretKey: c.S3RootPassword,
		Bucket:    c.S3Bucket,
		Region:    c.S3Region,
		Endpoint:  c.S3BaseEndpoint,
		Prefix:    "backups",
	}
}

// LoadConfig builds a Config from defaults, then the JSON file, then the
// dotenv file and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
