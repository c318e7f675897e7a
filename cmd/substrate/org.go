package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentsociety/substrate/internal/config"
	"github.com/agentsociety/substrate/internal/substrate/org"
)

func buildOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Inspect the org/role graph",
	}
	cmd.AddCommand(buildOrgShowCmd())
	return cmd
}

func buildOrgShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print every role and agent currently on record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := org.New(dataDirFor(cfg))
			if err != nil {
				return fmt.Errorf("open org store: %w", err)
			}

			out := cmd.OutOrStdout()
			roles := store.ListRoles()
			fmt.Fprintf(out, "roles (%d):\n", len(roles))
			for _, r := range roles {
				fmt.Fprintf(out, "  %s  %-20s  status=%s  tools=%s\n", r.RoleID, r.Name, r.Status, strings.Join(r.ToolGroups, ","))
			}

			agents := store.ListAgents()
			fmt.Fprintf(out, "agents (%d):\n", len(agents))
			for _, a := range agents {
				fmt.Fprintf(out, "  %s  role=%s  parent=%s  name=%q\n", a.AgentID, a.RoleID, a.ParentAgentID, a.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "substrate.yaml", "path to the configuration file")
	return cmd
}
