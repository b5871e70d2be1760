package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/flagx"
)

var knownFlags = []string{
	"-a", "-d", "-driver", "-s", "-t", "-k", "-o", "-u", "-p", "-b", "-g",
	"-data-dir", "-backup-dir", "-log-level", "-workers",
}

// parseFlags populates Config from command-line flags:
//
//	-a string          gRPC bind address
//	-driver string     database driver, sqlite or pgx
//	-d string          database DSN
//	-s string          JWT HMAC secret
//	-t int             session validity, minutes
//	-k string          machine key file
//	-u, -p, -b, -g     S3 user, password, bucket, region
//	-o string          S3 endpoint
//	-data-dir, -backup-dir, -log-level, -workers
//
// -c/-config and -env/-e are handled before this runs.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.DBDriver, "driver", config.DBDriver, "database driver (sqlite, pgx)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	sessionMinutes := fs.Int("t", int(config.SessionDuration.Minutes()), "session token validity (in minutes)")
	fs.StringVar(&config.MachineKeyFile, "k", config.MachineKeyFile, "machine key file")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket, empty disables offsite backups")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "o", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.DataDir, "data-dir", config.DataDir, "data directory")
	fs.StringVar(&config.BackupDir, "backup-dir", config.BackupDir, "backup directory")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level")
	fs.IntVar(&config.CryptoWorkers, "workers", config.CryptoWorkers, "concurrent key derivations")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SessionDuration = time.Duration(*sessionMinutes) * time.Minute
}
