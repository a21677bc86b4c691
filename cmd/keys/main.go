// Command keys manages the RSA key that signs device tokens.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/licensing/internal/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keys",
		Short:         "Device-token signing key tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newGenerateCmd(), newJWKSCmd())
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA key pair (PKCS#8 private, PKIX public)",
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath := filepath.Join(out, "device_key.pem")
			pubPath := filepath.Join(out, "device_key.pub.pem")
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists (use --force to overwrite)", p)
					}
				}
			}

			key, privPEM, pubPEM, err := token.GenerateRSAKey(bits)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\nkid: %s\n", privPath, pubPath, token.Thumbprint(&key.PublicKey))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA modulus size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func newJWKSCmd() *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "jwks <pem-file>",
		Short: "Print the JWKS for a PEM key, kid = RFC 7638 thumbprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var set token.JWKS
			if private {
				key, err := token.LoadRSAPrivateKey(args[0])
				if err != nil {
					return err
				}
				set.Keys = []token.JWK{token.PublicJWK(&key.PublicKey)}
			} else {
				pub, err := token.LoadRSAPublicKey(args[0])
				if err != nil {
					return err
				}
				set.Keys = []token.JWK{token.PublicJWK(pub)}
			}
			return writeJSON(cmd.OutOrStdout(), set)
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "the file holds a private key")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
