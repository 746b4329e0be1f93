package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inventag/inventag/pkg/discovery"
	"github.com/inventag/inventag/pkg/enrich"
	"github.com/inventag/inventag/pkg/permissions"
	"github.com/inventag/inventag/pkg/safety"
)

var permissionsWithCosts bool

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Generate the least-privilege IAM policy",
	Long: `Prints the IAM JSON policy covering exactly the operations a scan can
issue, derived from the same registries the scan runs with. Attach it to
the audit role instead of ReadOnlyAccess.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		gate := safety.NewGate()
		if err := discovery.DefaultRegistry().RegisterOps(gate); err != nil {
			return err
		}
		if err := enrich.DefaultRegistry().RegisterOps(gate); err != nil {
			return err
		}
		gate.Freeze()

		data, err := permissions.Generate(gate.RegisteredOps(), permissionsWithCosts)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(permissionsCmd)
	permissionsCmd.Flags().BoolVar(&permissionsWithCosts, "with-costs", false, "Include the Cost Explorer permission")
}
