// Package cli implements vaultctl, the operator tool for sshkeeper vault
// files. Offline commands work on files with the machine key or a
// passphrase; remote commands talk to a running server.
package cli

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/dmitrijs2005/sshkeeper/internal/client/client"
	"github.com/dmitrijs2005/sshkeeper/internal/client/config"
	"github.com/dmitrijs2005/sshkeeper/internal/logging"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"github.com/spf13/cobra"
)

// remoteClient is what the remote commands need from a connection.
type remoteClient interface {
	client.Client
	SetRemember(bool)
}

type App struct {
	config *config.Config
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer
	logger logging.Logger

	keys      vaultfile.KeySource
	codecOpts []vaultfile.CodecOption
	dial      func(addr string) (remoteClient, error)

	usePassphrase bool
	verbose       bool
}

type Option func(*App)

// WithIO replaces stdin, stdout and stderr.
func WithIO(in io.Reader, out, errOut io.Writer) Option {
	return func(a *App) {
		a.in = bufio.NewReader(in)
		a.out = out
		a.errOut = errOut
	}
}

// WithKeySource overrides the machine key resolved from the config.
func WithKeySource(k vaultfile.KeySource) Option {
	return func(a *App) { a.keys = k }
}

func WithCodecOptions(opts ...vaultfile.CodecOption) Option {
	return func(a *App) { a.codecOpts = opts }
}

func withDialer(d func(addr string) (remoteClient, error)) Option {
	return func(a *App) { a.dial = d }
}

func NewApp(cfg *config.Config, opts ...Option) *App {
	a := &App{
		config: cfg,
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		errOut: os.Stderr,
		logger: logging.Discard(),
		keys:   cfg.KeySource(),
		dial: func(addr string) (remoteClient, error) {
			return client.NewGRPCClient(addr)
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *App) codec() *vaultfile.Codec {
	return vaultfile.NewCodec(a.keys, a.codecOpts...)
}

// passphrase returns "" unless -p was given, in which case it prompts.
// confirm asks twice, for files about to be written.
func (a *App) passphrase(confirm bool) (string, error) {
	if !a.usePassphrase {
		return "", nil
	}
	if confirm {
		return GetNewPassphrase(a.errOut)
	}
	pw, err := GetPassword("Passphrase", a.errOut)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// RootCommand builds the command tree.
func (a *App) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Encrypt, inspect and move sshkeeper vault files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if a.verbose {
				level = "debug"
			}
			a.logger = logging.NewJSONLogger(level)
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.BoolVarP(&a.usePassphrase, "passphrase", "p", false, "prompt for a passphrase instead of using the machine key")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringP("config", "c", "", "path to a JSON config file")
	pf.StringP("env", "e", "", "path to a .env file holding the machine key")

	root.AddCommand(a.encryptCommand(), a.decryptCommand(), a.infoCommand(), a.backupCommand(), a.remoteCommand())
	return root
}

// Execute runs the command line args and reports errors in red.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.RootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		printFailure(a.errOut, err)
		return err
	}
	return nil
}
