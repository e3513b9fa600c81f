package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bridgefall/gamelink/pkg/token"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a server key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := token.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("keygen failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server_secret_key=%s\n", token.EncodeKeyBase64(kp.Secret))
			fmt.Fprintf(out, "server_public_key=%s\n", token.EncodeKeyBase64(kp.Public))
			return nil
		},
	}
}
