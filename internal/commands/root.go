// Package commands holds the gamelink CLI.
package commands

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bridgefall/gamelink/pkg/token"
)

const secretKeyEnv = "GAMELINK_SECRET_KEY"

// NewRootCmd builds the gamelink command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gamelink",
		Short:        "Secure UDP connection server for real-time games",
		SilenceUsage: true,
	}
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newServeCmd())
	return root
}

// resolveSecretKey prefers the flag, then the environment, then a key file.
func resolveSecretKey(flagVal, keyFile string) ([32]byte, error) {
	val := strings.TrimSpace(flagVal)
	if val == "" {
		val = strings.TrimSpace(os.Getenv(secretKeyEnv))
	}
	if val == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return [32]byte{}, fmt.Errorf("read secret key file: %w", err)
		}
		val = strings.TrimSpace(string(data))
		if val == "" {
			return [32]byte{}, fmt.Errorf("secret key file empty")
		}
	}
	if val == "" {
		return [32]byte{}, fmt.Errorf("secret key required (set --secret-key, %s, or --secret-key-file)", secretKeyEnv)
	}
	return token.DecodeKeyBase64(val)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		if _, err := w.Write(data); err != nil {
			return err
		}
		_, err := w.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func decodeBase64(raw []byte) ([]byte, error) {
	clean := strings.Join(strings.Fields(string(raw)), "")
	if clean == "" {
		return nil, fmt.Errorf("empty base64 input")
	}
	return base64.StdEncoding.DecodeString(clean)
}
