package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// oneTimePreKeyCount is how many one-time pre-keys a fresh identity ships with.
const oneTimePreKeyCount = 10

// initCmd creates a new identity (or rotates an existing one): a fresh
// Ed25519 signing key, X25519 identity key, signed pre-key, and a batch of
// one-time pre-keys, stored encrypted on disk under the passphrase.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or rotate your local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := appCtx.IdentityService.GenerateIdentity(passphrase, oneTimePreKeyCount)
			if err != nil {
				return fmt.Errorf("generating identity: %w", err)
			}

			fmt.Println("Identity created.")
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
}
