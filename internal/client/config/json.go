package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/flagx"
	"github.com/dmitrijs2005/sshkeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// RequestTimeout accepts "30s" style strings or integer nanoseconds.
type JsonConfig struct {
	ServerEndpointAddr string         `json:"server_endpoint_addr"`
	RequestTimeout     timex.Duration `json:"request_timeout"`
	MachineKeyFile     string         `json:"machine_key_file"`
	MachineKeyEnv      string         `json:"machine_key_env"`
	BackupDir          string         `json:"backup_dir"`
}

// parseJson overlays Config with the non-empty values of the JSON file named
// by -c or -config. Read and decode errors panic.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != "" {
		cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	}
	if jc.RequestTimeout.Duration > 0 {
		cfg.RequestTimeout = time.Duration(jc.RequestTimeout.Duration)
	}
	if jc.MachineKeyFile != "" {
		cfg.MachineKeyFile = jc.MachineKeyFile
	}
	if jc.MachineKeyEnv != "" {
		cfg.MachineKeyEnv = jc.MachineKeyEnv
	}
	if jc.BackupDir != "" {
		cfg.BackupDir = jc.BackupDir
	}
}
