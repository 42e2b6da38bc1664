package cmd

import (
	"fmt"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/hypernova-labs/nfse-service/internal/schema"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var xsdPath string

var validateCmd = &cobra.Command{
	Use:   "validate <dps.xml>",
	Short: "Validate a DPS against the XSD",
	Long: `Validate a DPS against the bundled DPS XSD or the one given by --xsd.

The document is cleaned (XML declaration and whitespace between tags removed)
before validation, the same way the emission pipeline does.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&xsdPath, "xsd", "", "XSD file (env: NFSE_XSD_PATH, default: embedded)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}

	if err := schemaValidator(newLogger()).Validate(dps.CleanXML(string(data))); err != nil {
		if e, ok := models.AsEmissionError(err); ok {
			for _, issue := range e.Issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue.Issue)
			}
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: VALID\n", args[0])
	return nil
}

func schemaValidator(logger *logrus.Logger) *schema.Validator {
	if xsdPath != "" {
		return schema.NewValidator(xsdPath, logger)
	}
	return schema.Default(logger)
}
