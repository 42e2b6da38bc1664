package cmd

import (
	"encoding/json"

	"github.com/hypernova-labs/nfse-service/internal/config"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/hypernova-labs/nfse-service/internal/taxcode"
	"github.com/spf13/cobra"
)

var (
	preflightReq    models.PreflightRequest
	preflightStrict bool
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check a service code against the municipal parameters",
	Long: `Query the municipal parameters of the national environment selected by
NFSE_ENVIRONMENT and report whether the service code is administered by the
municipality for the competence.`,
	Args: cobra.NoArgs,
	RunE: runPreflight,
}

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightCmd.Flags().StringVar(&preflightReq.Code, "code", "", "Service code (07.10, 0710 or 071001)")
	preflightCmd.Flags().StringVar(&preflightReq.Municipality, "municipio", "", "IBGE municipality code (7 digits)")
	preflightCmd.Flags().StringVar(&preflightReq.Competence, "competencia", "", "Competence (YYYY-MM)")
	preflightCmd.Flags().BoolVar(&preflightStrict, "strict", false, "Reject codes missing from the municipal list")
	_ = preflightCmd.MarkFlagRequired("code")
	_ = preflightCmd.MarkFlagRequired("municipio")
	_ = preflightCmd.MarkFlagRequired("competencia")
}

func runPreflight(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger()

	municipal := taxcode.NewMunicipalClient(cfg.NFSe.ParametersURL, cfg.NFSe.SubscriptionKey, cfg.NFSe.Timeout, logger)
	resolver := taxcode.NewResolver(nil, nil, municipal, nil, nil, nil,
		taxcode.Options{PreflightStrict: preflightStrict || cfg.NFSe.PreflightStrict}, logger)

	result := resolver.Preflight(cmd.Context(), preflightReq)
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
