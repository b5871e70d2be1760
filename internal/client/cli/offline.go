package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/filex"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const encExt = ".enc"

func (a *App) encryptCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt <file>",
		Short: "Encrypt a file into a vault blob with a side-car",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			if out == "" {
				out = src + encExt
			}
			pass, err := a.passphrase(true)
			if err != nil {
				return err
			}
			meta, err := a.codec().EncryptToFile(src, out, pass)
			if err != nil {
				return err
			}
			a.logger.Debug(cmd.Context(), "encrypted", "src", src, "dst", out)
			printSuccess(a.out, "Encrypted "+src,
				"Output: "+out,
				"Key source: "+meta.KeySource,
				"Fingerprint: "+meta.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <file>.enc)")
	return cmd
}

func (a *App) decryptCommand() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "decrypt <file.enc>",
		Short: "Decrypt a vault blob, checking its integrity first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			if out == "" {
				out = strings.TrimSuffix(src, encExt)
				if out == src {
					out = src + ".dec"
				}
			}
			if filex.Exists(out) && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", out)
			}
			meta, err := vaultfile.ReadMetadata(src)
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
			if err := a.codec().DecryptToFile(src, out, pass); err != nil {
				return err
			}
			if meta.Version == vaultfile.VersionLegacy {
				printWarning(a.out, "legacy format; re-encrypt to upgrade to "+vaultfile.VersionCurrent)
			}
			printSuccess(a.out, "Decrypted "+src, "Output: "+out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <file> without .enc)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing output file")
	return cmd
}

func (a *App) infoCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <file.enc>",
		Short: "Show the metadata of a vault blob without decrypting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fi, err := vaultfile.GetEncryptedFileInfo(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(fi)
			}
			printFileInfo(a, fi)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func printFileInfo(a *App, fi *vaultfile.FileInfo) {
	m := fi.Metadata
	row := func(k, v string) {
		fmt.Fprintf(a.out, "  %-12s %s\n", color.CyanString(k), v)
	}
	fmt.Fprintln(a.out, color.New(color.Bold).Sprint(fi.Path))
	row("Version", m.Version)
	row("Algorithm", m.Algorithm)
	row("Key source", m.KeySource)
	row("Size", fmt.Sprintf("%d bytes", fi.Size))
	row("Modified", fi.Modified.UTC().Format(time.RFC3339))
	if !m.CreatedAt.IsZero() {
		row("Created", m.CreatedAt.UTC().Format(time.RFC3339))
	}
	if m.Fingerprint != "" {
		row("Fingerprint", m.Fingerprint)
	}
	if m.KDF != nil {
		row("KDF", fmt.Sprintf("argon2id t=%d m=%dKiB p=%d", m.KDF.Time, m.KDF.Memory, m.KDF.Threads))
	}
}

func (a *App) backupCommand() *cobra.Command {
	var dir string
	var list bool
	cmd := &cobra.Command{
		Use:   "backup [datastore]",
		Short: "Write a timestamped encrypted copy of a stopped server's datastore",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = a.config.BackupDir
			}
			b := vaultfile.NewBackupper(a.codec(), dir, nil, a.logger)
			if list {
				files, err := b.List()
				if err != nil {
					return err
				}
				if len(files) == 0 {
					printWarning(a.out, "no backups in "+dir)
				}
				for _, f := range files {
					fmt.Fprintf(a.out, "%s  %s  %d bytes\n", f.Modified.UTC().Format(time.RFC3339), f.Path, f.Size)
				}
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("%w: datastore path required", common.ErrInvalidInput)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			defer common.WipeByteArray(data)
			if !vaultfile.IsSQLiteImage(data) {
				return fmt.Errorf("%w: %s is not a datastore file", common.ErrInvalidInput, args[0])
			}
			pass, err := a.passphrase(true)
			if err != nil {
				return err
			}
			res, err := b.Backup(cmd.Context(), data, pass)
			if err != nil {
				return err
			}
			printSuccess(a.out, "Backup written", "Output: "+res.Path, "Key source: "+res.Metadata.KeySource)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "backup directory (default from config)")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list existing backups instead")
	return cmd
}
