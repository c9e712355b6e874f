package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/loykin/kmsconverge/pkg/kms"
	"github.com/loykin/kmsconverge/pkg/scenario"
	"github.com/spf13/cobra"
)

var (
	keyKid             string
	keyPublic          bool
	keyAttestationFile string
	keyWrappingKeyFile string
	keyTransport       string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Request a key from the deployed KMS, waiting out pending answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		ctx := cmdContext(cmd)
		kc, err := a.keyChecks(ctx, keyAttestationFile, keyWrappingKeyFile, keyTransport)
		if err != nil {
			return err
		}
		return a.oneShot(ctx, "key", func(ctx context.Context, s *scenario.Scenario) error {
			if a.fake {
				// a fresh fake network refuses keys until it is configured
				c := a.fleet.Cluster(s.Deployment())
				c.TrustJWTIssuer()
				c.SetReleasePolicy(true)
			}
			client, err := kc.KMSClient(ctx, s)
			if err != nil {
				return err
			}
			var res *kms.Response
			if keyPublic {
				res, err = client.PubKey(ctx, keyKid)
			} else {
				if len(kc.Attestation) == 0 || kc.WrappingKey == "" {
					return scenario.ErrNoAttestation
				}
				res, err = client.Key(ctx, kms.KeyRequest{Attestation: kc.Attestation, WrappingKey: kc.WrappingKey, Kid: keyKid})
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "%s\nstatus: %d attempts: %d\n", res.Body, res.Status, res.Attempts)
			return res.Expect(http.StatusOK)
		})
	},
}

func init() {
	keyCmd.Flags().StringVar(&keyKid, "kid", "", "key id (default: latest key)")
	keyCmd.Flags().BoolVar(&keyPublic, "public", false, "fetch the public key instead of a wrapped private key")
	keyCmd.Flags().StringVar(&keyAttestationFile, "attestation-file", "", "JSON attestation sent with the request")
	keyCmd.Flags().StringVar(&keyWrappingKeyFile, "wrapping-key-file", "", "PEM public key the key is wrapped with")
	keyCmd.Flags().StringVar(&keyTransport, "transport", "", "KMS transport: http or script")
}
