package config

import (
	"os"

	"github.com/dmitrijs2005/sshkeeper/internal/flagx"
	"github.com/joho/godotenv"
)

// Variables read from the process environment and the dotenv file. The
// machine key variable is not copied into Config; the vault key source
// reads it directly so it never lands in a struct that may be logged.
const (
	EnvSecretKey   = "SSHKEEPER_SECRET_KEY"
	EnvDatabaseDSN = "SSHKEEPER_DATABASE_DSN"
	EnvS3User      = "SSHKEEPER_S3_USER"
	EnvS3Password  = "SSHKEEPER_S3_PASSWORD"
)

// parseEnv applies values from the dotenv file named by -env/-e, then from
// the process environment, which wins.
func parseEnv(config *Config) {
	vars := map[string]string{}

	if path := flagx.EnvFileFlag(); path != "" {
		config.EnvFile = path
		fileVars, err := godotenv.Read(path)
		if err != nil {
			panic(err)
		}
		vars = fileVars
	}

	for _, k := range []string{EnvSecretKey, EnvDatabaseDSN, EnvS3User, EnvS3Password} {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}

	setString(&config.SecretKey, vars[EnvSecretKey])
	setString(&config.DatabaseDSN, vars[EnvDatabaseDSN])
	setString(&config.S3RootUser, vars[EnvS3User])
	setString(&config.S3RootPassword, vars[EnvS3Password])
}
