package cmd

import (
	"strings"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/spf13/cobra"
)

var encodeCmd = &cobra.Command{
	Use:   "encode <dps.xml>",
	Short: "Compress and base64-encode a DPS for the emission API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		payload, err := dps.EncodePayload(string(data))
		if err != nil {
			return err
		}
		return writeOutput(cmd, payload)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <payload.txt>",
	Short: "Decode a gzip+base64 DPS payload back to XML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		xml, err := dps.DecodePayload(strings.TrimSpace(string(data)))
		if err != nil {
			return err
		}
		return writeOutput(cmd, xml)
	},
}

func init() {
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)
}
