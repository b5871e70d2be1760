package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/sshkeeper/internal/client/client"
	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/vaultfile"
	"github.com/fatih/color"
)

func printSuccess(w io.Writer, msg string, details ...string) {
	fmt.Fprintln(w, color.GreenString("✓")+" "+msg)
	for _, d := range details {
		fmt.Fprintln(w, color.CyanString("→")+" "+d)
	}
}

func printWarning(w io.Writer, msg string) {
	fmt.Fprintln(w, color.YellowString("!")+" "+msg)
}

// printFailure prints err with a hint for the failures an operator can act on.
func printFailure(w io.Writer, err error) {
	fmt.Fprintln(w, color.RedString("✗")+" "+err.Error())
	if hint := hintFor(err); hint != "" {
		fmt.Fprintln(w, color.CyanString("→")+" "+hint)
	}
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, common.ErrIntegrity):
		return "wrong key or passphrase, or the file was modified"
	case errors.Is(err, vaultfile.ErrPassphraseRequired):
		return "this file is passphrase protected; rerun with " + color.YellowString("-p")
	case errors.Is(err, common.ErrUnsupportedVersion):
		return "the side-car metadata is missing or from an unknown format version"
	case errors.Is(err, common.ErrAuthenticationFailed):
		return "check the username, password or one-time code"
	case errors.Is(err, common.ErrForbidden):
		return "vault operations need an admin account"
	case errors.Is(err, common.ErrSessionExpired):
		return "log in again to unlock your data"
	case errors.Is(err, client.ErrUnavailable):
		return "is the server running? see " + color.YellowString("--server")
	}
	return ""
}
