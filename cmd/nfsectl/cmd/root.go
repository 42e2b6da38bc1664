package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	verbose    bool
	outputPath string
)

var nowFunc = time.Now

var rootCmd = &cobra.Command{
	Use:   "nfsectl",
	Short: "Operator tools for NFS-e DPS documents",
	Long: `nfsectl builds, validates, signs and inspects DPS documents offline.

Examples:
  # Build a DPS from a JSON request and print the gzip+base64 payload
  nfsectl build request.json --payload

  # Decode a payload captured from a request log
  nfsectl decode payload.txt -o dps.xml

  # Validate against the DPS XSD and sign with a local A1 bundle
  nfsectl validate dps.xml
  nfsectl sign dps.xml --pfx cert.pfx -o signed.xml

  # Check a service code against the municipal parameters
  nfsectl preflight --code 07.10 --municipio 4205704 --competencia 2025-05`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute executa o comando raiz
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Write output to file instead of stdout")
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// readInput lê o arquivo indicado; "-" lê da entrada padrão
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(cmd *cobra.Command, data string) error {
	if outputPath == "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), data)
		return err
	}
	if err := os.WriteFile(outputPath, []byte(data), 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", outputPath, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "written %s\n", outputPath)
	return nil
}
