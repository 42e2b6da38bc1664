package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/spf13/cobra"
)

var buildPayload bool

var buildCmd = &cobra.Command{
	Use:   "build <request.json>",
	Short: "Build an unsigned DPS from a JSON invoice request",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&buildPayload, "payload", false, "Print the gzip+base64 payload instead of XML")
}

func runBuild(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	var req models.InvoiceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("error parsing request: %w", err)
	}

	doc, err := dps.NewBuilder(nil).Build(&req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "built %s\n", doc.ID)

	if !buildPayload {
		return writeOutput(cmd, doc.XML)
	}
	payload, err := dps.EncodePayload(doc.XML)
	if err != nil {
		return err
	}
	return writeOutput(cmd, payload)
}
