package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/slyt3/strategist/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the strategy document",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the strategy document without starting the engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := config.NewStore(settings.ConfigPath)
		if err != nil {
			return err
		}
		cfg, err := s.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s is valid\n", s.Path)
		for _, name := range []string{config.DomainEthereum, config.DomainNeutron, config.DomainSettlement} {
			d, ok := cfg.Domain(name)
			if !ok {
				continue
			}
			fmt.Fprintf(out, "  [%s] kind=%s chain=%s endpoint=%s\n", name, d.Kind, d.ChainID, d.Endpoint)
		}
		fmt.Fprintf(out, "  settlement domain: %s\n", cfg.Engine.SettlementDomain)
		fmt.Fprintf(out, "  cycle interval:    %s\n", cfg.Engine.Wait())
		fmt.Fprintf(out, "  verifier:          %s\n", cfg.Coprocessor.Verifier)

		roles := make([]string, 0, len(cfg.Coprocessor.Circuits))
		for role := range cfg.Coprocessor.Circuits {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Fprintf(out, "  circuit %-10s %s\n", role+":", cfg.Coprocessor.Circuits[role])
		}
		fmt.Fprintf(out, "  settlement nonce:  %d\n", cfg.Cursor.SettlementNonce)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
}
