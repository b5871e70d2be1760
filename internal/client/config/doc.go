// Package config loads runtime configuration for vaultctl.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. The -env dotenv file, consulted for the machine key.
//  4. Command flags bound by the CLI, which override earlier values.
//
// # JSON schema
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "request_timeout": "2m",
//	  "machine_key_file": "data/.machine-key",
//	  "machine_key_env": "SSHKEEPER_MACHINE_KEY",
//	  "backup_dir": "data/backups"
//	}
package config
