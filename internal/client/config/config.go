package config

import (
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/flagx"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
)

// Config holds runtime settings for vaultctl.
//
// Fields:
//   - ServerEndpointAddr: host:port of the sshkeeper gRPC endpoint.
//   - RequestTimeout: deadline applied to every remote call.
//   - MachineKeyFile, MachineKeyEnv, EnvFile: where offline commands look
//     for the machine key (see vaultfile.MachineKeySource).
//   - BackupDir: destination of offline backups.
type Config struct {
	ServerEndpointAddr string
	RequestTimeout     time.Duration
	MachineKeyFile     string
	MachineKeyEnv      string
	EnvFile            string
	BackupDir          string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.RequestTimeout = 2 * time.Minute
	c.MachineKeyFile = "data/.machine-key"
	c.MachineKeyEnv = vaultfile.DefaultKeyEnv
	c.BackupDir = "data/backups"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and the -env flag. Command flags are bound on top by the
// CLI.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	if f := flagx.EnvFileFlag(); f != "" {
		cfg.EnvFile = f
	}
	return cfg
}

// KeySource returns the machine key resolver described by c.
func (c *Config) KeySource() *vaultfile.MachineKeySource {
	return &vaultfile.MachineKeySource{EnvVar: c.MachineKeyEnv, EnvFile: c.EnvFile, KeyFile: c.MachineKeyFile}
}
