package main

import (
	"context"
	"os"

	"github.com/dmitrijs2005/sshkeeper/internal/client/cli"
	"github.com/dmitrijs2005/sshkeeper/internal/client/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app := cli.NewApp(cfg)

	if err := app.Execute(ctx, os.Args[1:]); err != nil {
		os.Exit(1)
	}

}
