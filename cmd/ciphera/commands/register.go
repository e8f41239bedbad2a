package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
)

// registerReplenishCount is how many one-time pre-keys to top up before
// every registration, keeping the published bundle's supply healthy.
const registerReplenishCount = 10

// registerCmd replenishes one-time pre-keys, assembles the current public
// bundle, and publishes it to the relay under a fresh canary.
func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Publish your prekey bundle to the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			usernameValue := domain.Username(args[0])
			if relayURL == "" {
				return fmt.Errorf("--relay required")
			}

			if err := appCtx.PreKeyService.ReplenishOneTimePreKeys(passphrase, registerReplenishCount); err != nil {
				return fmt.Errorf("replenishing one-time pre-keys: %w", err)
			}

			bundle, err := appCtx.PreKeyService.CurrentBundle(passphrase, usernameValue)
			if err != nil {
				return fmt.Errorf("loading bundle for %q: %w", usernameValue, err)
			}

			canary, err := newCanary()
			if err != nil {
				return fmt.Errorf("generating canary: %w", err)
			}
			bundle.ServerURL = relayURL
			bundle.Canary = canary

			if err := appCtx.RelayClient.RegisterPreKeyBundle(cmd.Context(), bundle); err != nil {
				return fmt.Errorf("registering bundle: %w", err)
			}

			if err := appCtx.BundleStore.SavePreKeyBundle(bundle); err != nil {
				return fmt.Errorf("caching bundle: %w", err)
			}
			profile := domain.AccountProfile{ServerURL: relayURL, Username: usernameValue, Canary: canary}
			if err := appCtx.AccountStore.SaveAccountProfile(profile); err != nil {
				return fmt.Errorf("saving account profile: %w", err)
			}

			fmt.Println("Registered pre-keys with relay")
			return nil
		},
	}
	return cmd
}

func newCanary() (string, error) {
	b, err := crypto.RandBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
