package commands

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgefall/gamelink/pkg/token"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Decode client data and optionally verify its token",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}
	cmd.Flags().Bool("base64", false, "input is base64 wrapped")
	cmd.Flags().String("secret-key", "", "verify the token against this server secret key (base64)")
	cmd.Flags().String("secret-key-file", "", "file containing the server secret key (base64)")
	return cmd
}

type inspectView struct {
	Protocol         string    `json:"protocol"`
	ClientID         uint64    `json:"client_id"`
	Endpoints        []string  `json:"endpoints"`
	Expiration       time.Time `json:"expiration"`
	Expired          bool      `json:"expired"`
	HandshakeTimeout string    `json:"handshake_timeout"`
	ClientTimeout    string    `json:"client_timeout"`
	TokenSize        int       `json:"token_size"`
	Verified         *bool     `json:"verified,omitempty"`
	VerifyError      string    `json:"verify_error,omitempty"`
	UserData         string    `json:"user_data,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	asBase64, _ := flags.GetBool("base64")
	secretFlag, _ := flags.GetString("secret-key")
	secretFile, _ := flags.GetString("secret-key-file")

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	input, err := readInput(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if asBase64 {
		if input, err = decodeBase64(input); err != nil {
			return fmt.Errorf("decode base64: %w", err)
		}
	}
	data, err := token.DecodeClientData(input)
	if err != nil {
		return err
	}

	now := time.Now()
	view := inspectView{
		Protocol:         data.Protocol,
		ClientID:         data.ClientID,
		Expiration:       data.Expiration.UTC(),
		Expired:          !now.Before(data.Expiration),
		HandshakeTimeout: data.HandshakeTimeout.String(),
		ClientTimeout:    data.ClientTimeout.String(),
		TokenSize:        len(data.Token),
	}
	for _, ep := range data.Endpoints {
		view.Endpoints = append(view.Endpoints, ep.String())
	}

	if secretFlag != "" || secretFile != "" {
		secret, err := resolveSecretKey(secretFlag, secretFile)
		if err != nil {
			return err
		}
		verifier, err := token.NewVerifier(secret, 1)
		if err != nil {
			return err
		}
		tok, err := verifier.Inspect(data.Token, now)
		ok := err == nil
		view.Verified = &ok
		if err != nil {
			view.VerifyError = err.Error()
		} else {
			view.UserData = base64.StdEncoding.EncodeToString(tok.Private.UserData[:])
		}
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), "", out)
}
