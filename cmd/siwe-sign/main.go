// Command siwe-sign signs the sign-in message with a local private key, for
// exercising /v1/auth/verify without a browser wallet.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"w3bauth.org/internal/siwe"
)

var (
	keyHex    string
	clientID  string
	providers []string
	generate  bool
)

var rootCmd = &cobra.Command{
	Use:           "siwe-sign",
	Short:         "Print a /v1/auth/verify request body signed with a private key",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSign,
}

func main() {
	rootCmd.Flags().StringVar(&keyHex, "key", os.Getenv("SIWE_SIGN_KEY"), "hex secp256k1 private key")
	rootCmd.Flags().BoolVar(&generate, "generate", false, "sign with a freshly generated key")
	rootCmd.Flags().StringVar(&clientID, "client-id", "app1", "client_id placed in the request body")
	rootCmd.Flags().StringSliceVar(&providers, "provider", nil, "provider to authorize (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSign(cmd *cobra.Command, _ []string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if !generate {
		if keyHex == "" {
			return fmt.Errorf("--key or --generate is required")
		}
		key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return fmt.Errorf("parse key: %w", err)
		}
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	message := siwe.BuildSignInMessage(addr.Hex())
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	// Wallets emit the legacy 27/28 recovery id.
	sig[crypto.RecoveryIDOffset] += 27

	if providers == nil {
		providers = []string{}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "signer %s\n", addr.Hex())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"message":   message,
		"signature": hexutil.Encode(sig),
		"data": map[string]any{
			"client_id": clientID,
			"providers": providers,
		},
	})
}
