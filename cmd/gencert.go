package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/luca-patrignani/pingpong/network"
)

func newGenCertCmd() *cobra.Command {
	var address, out string
	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed certificate for the http transport",
		Long: `Generate a self-signed certificate for the rank listening on --address.

The certificate is written to <out>.crt and its key to <out>.key. The
certificates of every rank, concatenated, form the bundle given to --tls-ca.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return genCert(address, out)
		},
	}
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:9000", "listen address of the rank")
	cmd.Flags().StringVar(&out, "out", "rank", "prefix of the generated files")
	return cmd
}

func genCert(address, out string) error {
	cert, certPEM, err := network.GenerateSelfSignedCert(address)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(out+".crt", certPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(out+".key", keyPEM, 0o600); err != nil {
		return err
	}
	pterm.Success.WithWriter(termOut).Printfln("Wrote %s.crt and %s.key for %s", out, out, address)
	return nil
}
