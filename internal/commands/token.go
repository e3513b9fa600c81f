package commands

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgefall/gamelink/pkg/token"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a connect token and print its client data",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	cmd.Flags().String("secret-key", "", "server secret key (base64)")
	cmd.Flags().String("secret-key-file", "", "file containing the server secret key (base64)")
	cmd.Flags().StringSlice("endpoint", nil, "server endpoint host:port, repeatable, in preference order")
	cmd.Flags().Uint64("client-id", 0, "client id carried in the token")
	cmd.Flags().String("user-data", "", "opaque user data, at most 256 bytes")
	cmd.Flags().Duration("ttl", 30*time.Second, "token lifetime")
	cmd.Flags().Duration("handshake-timeout", 5*time.Second, "handshake timeout handed to the client")
	cmd.Flags().Duration("client-timeout", 20*time.Second, "connection timeout handed to the client")
	cmd.Flags().Bool("base64", false, "write base64 instead of raw CBOR")
	cmd.Flags().StringP("out", "o", "", "output file (defaults to stdout)")
	return cmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	secretFlag, _ := flags.GetString("secret-key")
	secretFile, _ := flags.GetString("secret-key-file")
	rawEndpoints, _ := flags.GetStringSlice("endpoint")
	clientID, _ := flags.GetUint64("client-id")
	userData, _ := flags.GetString("user-data")
	ttl, _ := flags.GetDuration("ttl")
	handshakeTimeout, _ := flags.GetDuration("handshake-timeout")
	clientTimeout, _ := flags.GetDuration("client-timeout")
	asBase64, _ := flags.GetBool("base64")
	outPath, _ := flags.GetString("out")

	secret, err := resolveSecretKey(secretFlag, secretFile)
	if err != nil {
		return err
	}
	if len(rawEndpoints) == 0 {
		return fmt.Errorf("at least one --endpoint required")
	}
	endpoints := make([]netip.AddrPort, 0, len(rawEndpoints))
	for _, raw := range rawEndpoints {
		ep, err := netip.ParseAddrPort(raw)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", raw, err)
		}
		endpoints = append(endpoints, ep)
	}
	if len(userData) > token.UserDataSize {
		return fmt.Errorf("user data exceeds %d bytes", token.UserDataSize)
	}

	tok, err := token.Issue(clientID, endpoints, []byte(userData), time.Now().Add(ttl), secret)
	if err != nil {
		return err
	}
	out, err := token.EncodeClientData(token.NewClientData(tok, handshakeTimeout, clientTimeout))
	if err != nil {
		return err
	}
	if asBase64 {
		out = []byte(base64.StdEncoding.EncodeToString(out))
	}
	return writeOutput(cmd.OutOrStdout(), outPath, out)
}
