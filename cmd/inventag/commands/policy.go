package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inventag/inventag/pkg/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with tag policy files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse a tag policy and report what it enforces",
	Long: `Loads a policy file the same way scan does: YAML by default, HCL for
.hcl files. Pattern and CEL compilation errors surface here instead of
mid-scan. Exits 2 on an invalid policy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := policy.Load(args[0])
		if err != nil {
			return err
		}
		name := p.Name
		if name == "" {
			name = args[0]
		}
		fmt.Printf("Policy OK: %s\n", name)
		fmt.Printf("  Required tags:  %d (%v)\n", len(p.RequiredTags), p.RequiredKeys())
		fmt.Printf("  Service rules:  %d\n", len(p.ServiceSpecific))
		fmt.Printf("  Exemptions:     %d\n", len(p.Exemptions))
		fmt.Printf("  Custom rules:   %d\n", len(p.CustomRules))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
}
