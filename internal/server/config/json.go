package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/sshkeeper/internal/flagx"
	"github.com/dmitrijs2005/sshkeeper/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations accept "24h" style
// strings or integer nanoseconds. Absent keys keep the current value.
type JsonConfig struct {
	EndpointAddrGRPC     string         `json:"endpoint_addr_grpc"`
	DBDriver             string         `json:"db_driver"`
	DatabaseDSN          string         `json:"database_dsn"`
	DataDir              string         `json:"data_dir"`
	SecretKey            string         `json:"secret_key"`
	SecretKeyFile        string         `json:"secret_key_file"`
	LogLevel             string         `json:"log_level"`
	SessionDuration      timex.Duration `json:"session_duration"`
	RememberDuration     timex.Duration `json:"remember_duration"`
	PendingTOTPDuration  timex.Duration `json:"pending_totp_duration"`
	MachineKeyFile       string         `json:"machine_key_file"`
	MachineKeyEnv        string         `json:"machine_key_env"`
	BackupDir            string         `json:"backup_dir"`
	S3RootUser           string         `json:"s3_root_user"`
	S3RootPassword       string         `json:"s3_root_password"`
	S3Bucket             string         `json:"s3_bucket"`
	S3Region             string         `json:"s3_region"`
	S3BaseEndpoint       string         `json:"s3_base_endpoint"`
	OIDCIssuer           string         `json:"oidc_issuer"`
	OIDCAudience         string         `json:"oidc_audience"`
	OIDCKeyFile          string         `json:"oidc_key_file"`
	OIDCIdentifierClaims []string       `json:"oidc_identifier_claims"`
	OIDCNameClaims       []string       `json:"oidc_name_claims"`
	CryptoWorkers        int            `json:"crypto_workers"`
	LoginRatePerMin      int            `json:"login_rate_per_min"`
	LoginBurst           int            `json:"login_burst"`
	TOTPIssuer           string         `json:"totp_issuer"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJson overlays the file named by -c/-config, if any. An unreadable
// or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DBDriver, c.DBDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.DataDir, c.DataDir)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.SecretKeyFile, c.SecretKeyFile)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.MachineKeyFile, c.MachineKeyFile)
	setString(&config.MachineKeyEnv, c.MachineKeyEnv)
	setString(&config.BackupDir, c.BackupDir)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.OIDCIssuer, c.OIDCIssuer)
	setString(&config.OIDCAudience, c.OIDCAudience)
	setString(&config.OIDCKeyFile, c.OIDCKeyFile)
	setString(&config.TOTPIssuer, c.TOTPIssuer)

	if c.SessionDuration.Duration > 0 {
		config.SessionDuration = c.SessionDuration.Duration
	}
	if c.RememberDuration.Duration > 0 {
		config.RememberDuration = c.RememberDuration.Duration
	}
	if c.PendingTOTPDuration.Duration > 0 {
		config.PendingTOTPDuration = c.PendingTOTPDuration.Duration
	}
	if len(c.OIDCIdentifierClaims) > 0 {
		config.OIDCIdentifierClaims = c.OIDCIdentifierClaims
	}
	if len(c.OIDCNameClaims) > 0 {
		config.OIDCNameClaims = c.OIDCNameClaims
	}
	if c.CryptoWorkers > 0 {
		config.CryptoWorkers = c.CryptoWorkers
	}
	if c.LoginRatePerMin > 0 {
		config.LoginRatePerMin = c.LoginRatePerMin
	}
	if c.LoginBurst > 0 {
		config.LoginBurst = c.LoginBurst
	}
}
