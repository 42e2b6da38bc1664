package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/hypernova-labs/nfse-service/internal/certificate"
	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/signer"
	"github.com/spf13/cobra"
)

var (
	pfxPath      string
	pfxPass      string
	signAlgo     string
	signTaxID    string
	signValidate bool
)

var signCmd = &cobra.Command{
	Use:   "sign <dps.xml>",
	Short: "Sign a DPS with an A1 certificate",
	Long: `Sign the infDPS element with an enveloped XMLDSig signature.

The bundle comes from --pfx or, when omitted, from NFSE_CERT_PFX_BASE64.
The passphrase comes from --pass or NFSE_CERT_PFX_PASS.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <signed.xml>",
	Short: "Verify the XMLDSig signature of a DPS",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)

	signCmd.Flags().StringVar(&pfxPath, "pfx", "", "PKCS#12 bundle (.pfx/.p12)")
	signCmd.Flags().StringVar(&pfxPass, "pass", "", "Bundle passphrase (env: NFSE_CERT_PFX_PASS)")
	signCmd.Flags().StringVar(&signAlgo, "algorithm", "", "rsa-sha1 or rsa-sha256 (env: NFSE_SIGNATURE_ALGORITHM)")
	signCmd.Flags().StringVar(&signTaxID, "cnpj", "", "Check that the certificate belongs to this tax id")
	signCmd.Flags().BoolVar(&signValidate, "validate", true, "Validate the signed document against the XSD")
}

func runSign(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	bundleB64 := os.Getenv("NFSE_CERT_PFX_BASE64")
	if pfxPath != "" {
		bundle, err := os.ReadFile(pfxPath)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", pfxPath, err)
		}
		bundleB64 = base64.StdEncoding.EncodeToString(bundle)
	}
	if pfxPass == "" {
		pfxPass = os.Getenv("NFSE_CERT_PFX_PASS")
	}
	if signAlgo == "" {
		signAlgo = os.Getenv("NFSE_SIGNATURE_ALGORITHM")
	}

	source := certificate.NewEnvSource(bundleB64, pfxPass, logger)
	cred, err := certificate.NewResolver(certificate.SourceEnv, source, nil, logger).Resolve(cmd.Context(), signTaxID)
	if err != nil {
		return err
	}
	defer cred.Destroy()

	status := certificate.Validate(cred.Certificate, signTaxID, nowFunc())
	if err := status.Err(); err != nil {
		return err
	}

	s, err := signer.NewSigner(signAlgo, logger)
	if err != nil {
		return err
	}
	signed, err := s.Sign(dps.CleanXML(string(data)), cred)
	if err != nil {
		return err
	}

	if signValidate {
		if err := schemaValidator(logger).Validate(signed); err != nil {
			return err
		}
	}
	return writeOutput(cmd, signed)
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	cert, err := signer.Verify(string(data))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "signature: VALID\n")
	fmt.Fprintf(out, "subject:   %s\n", cert.Subject.CommonName)
	fmt.Fprintf(out, "tax id:    %s\n", certificate.SubjectTaxID(cert))
	fmt.Fprintf(out, "class:     %s\n", certificate.Class(cert))
	fmt.Fprintf(out, "valid:     %s .. %s\n", cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02"))
	return nil
}
