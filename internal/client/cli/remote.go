package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/sshkeeper/internal/api"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type remoteFlags struct {
	server   string
	user     string
	remember bool
}

func (a *App) remoteCommand() *cobra.Command {
	rf := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Vault operations against a running sshkeeper server",
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&rf.server, "server", "a", a.config.ServerEndpointAddr, "server address")
	pf.StringVarP(&rf.user, "user", "u", "", "account name (prompted when empty)")
	pf.BoolVar(&rf.remember, "remember", false, "request a long-lived session")

	cmd.AddCommand(
		a.remoteExportCommand(rf),
		a.remoteImportCommand(rf),
		a.remoteMigrateCommand(rf),
		a.remoteBackupCommand(rf),
		a.remoteStatusCommand(rf),
		a.remoteHealthCommand(rf),
	)
	return cmd
}

// session dials the server and logs in, asking for a one-time code when
// the account has a second factor. The returned context carries the
// request timeout.
func (a *App) session(ctx context.Context, rf *remoteFlags) (remoteClient, context.Context, context.CancelFunc, error) {
	c, err := a.dial(rf.server)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	fail := func(err error) (remoteClient, context.Context, context.CancelFunc, error) {
		cancel()
		_ = c.Close()
		return nil, nil, nil, err
	}

	user := rf.user
	if user == "" {
		if user, err = GetSimpleText(a.in, "Username", a.errOut); err != nil {
			return fail(err)
		}
	}
	pw, err := GetPassword("Password", a.errOut)
	if err != nil {
		return fail(err)
	}
	defer common.WipeByteArray(pw)

	c.SetRemember(rf.remember)
	res, err := c.Login(ctx, user, string(pw))
	if err != nil {
		return fail(err)
	}
	if res.Pending2FA {
		code, err := GetSimpleText(a.in, "Authenticator or backup code", a.errOut)
		if err != nil {
			return fail(err)
		}
		if _, err := c.VerifyTOTP(ctx, code); err != nil {
			return fail(err)
		}
	}
	a.logger.Debug(ctx, "logged in", "server", rf.server, "user", user)
	return c, ctx, cancel, nil
}

func (a *App) remoteExportCommand(rf *remoteFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download an encrypted snapshot of the server datastore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := a.passphrase(true)
			if err != nil {
				return err
			}
			c, ctx, cancel, err := a.session(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			v, err := c.ExportVault(ctx, pass)
			if err != nil {
				return err
			}
			meta, err := vaultfile.ParseMetadata(v.Metadata)
			if err != nil {
				return err
			}
			if err := vaultfile.WriteEncrypted(out, v.Data, meta); err != nil {
				return err
			}
			printSuccess(a.out, "Vault exported", "Output: "+out, "Key source: "+meta.KeySource)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "sshkeeper-export.db.enc", "output path")
	return cmd
}

func (a *App) remoteImportCommand(rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.enc>",
		Short: "Upload a vault to replace the server datastore on its next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := vaultfile.ReadMetadata(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			metaJSON, err := meta.Marshal()
			if err != nil {
				return err
			}
			pass := ""
			if meta.KeySource == vaultfile.KeySourcePassphrase {
				a.usePassphrase = true
				if pass, err = a.passphrase(false); err != nil {
					return err
				}
			}

			c, ctx, cancel, err := a.session(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			staged, err := c.ImportVault(ctx, &api.Vault{Data: data, Metadata: metaJSON, Passphrase: pass})
			if err != nil {
				return err
			}
			printSuccess(a.out, "Vault accepted", "Staged at: "+staged, "Restart the server to apply it")
			return nil
		},
	}
}

func (a *App) remoteMigrateCommand(rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade your stored secrets to the current encryption format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := a.session(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			report, err := c.MigrateMyData(ctx)
			if err != nil {
				return err
			}
			updated, failed := 0, 0
			for _, k := range report.Kinds {
				fmt.Fprintf(a.out, "  %-16s records=%d updated=%d plaintext=%d legacy=%d failed=%d\n",
					k.Kind, k.Records, k.Updated, k.Plaintext, k.Legacy, k.Failed)
				updated += k.Updated
				failed += k.Failed
			}
			if failed > 0 {
				printWarning(a.out, fmt.Sprintf("%d fields could not be decrypted and were left as they are", failed))
			}
			printSuccess(a.out, fmt.Sprintf("Migration finished, %d fields updated", updated))
			return nil
		},
	}
}

func (a *App) remoteBackupCommand(rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Ask the server to write a backup to its backup directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := a.passphrase(true)
			if err != nil {
				return err
			}
			c, ctx, cancel, err := a.session(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			res, err := c.Backup(ctx, pass)
			if err != nil {
				return err
			}
			details := []string{"Server path: " + res.Path}
			if res.Uploaded {
				details = append(details, "Uploaded to object storage")
			}
			printSuccess(a.out, "Backup written", details...)
			return nil
		},
	}
}

func (a *App) remoteStatusCommand(rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show your account and key state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := a.session(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s (%s)\n", color.New(color.Bold).Sprint(st.Username), st.UserID)
			fmt.Fprintf(a.out, "  admin=%t oidc=%t totp=%t unlocked=%t schema=%d\n",
				st.IsAdmin, st.IsOIDC, st.TOTPEnabled, st.Unlocked, st.SchemaVersion)
			return nil
		},
	}
}

func (a *App) remoteHealthCommand(rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show decryption failures, unlocked users and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := a.session(cmd.Context(), rf)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Unlocked users: %d\n", h.UnlockedUsers)
			if h.IntegrityTotal == 0 {
				printSuccess(a.out, "No integrity failures")
			} else {
				printWarning(a.out, fmt.Sprintf("%d integrity failures", h.IntegrityTotal))
				for _, s := range h.Integrity {
					fmt.Fprintf(a.out, "  %s.%s count=%d last=%s %s\n", s.Kind, s.Field, s.Count, s.LastRecordID, s.LastError)
				}
			}
			fmt.Fprintf(a.out, "Backups: %d\n", len(h.Backups))
			for _, b := range h.Backups {
				fmt.Fprintf(a.out, "  %s %d bytes\n", b.Path, b.Size)
			}
			return nil
		},
	}
}
