package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/inventag/inventag/pkg/config"
	"github.com/inventag/inventag/pkg/policy"
	"github.com/inventag/inventag/pkg/version"
)

var cfgFile string

// errComplianceBelow is returned by scan when --fail-below is set and the
// measured compliance lands under it. It maps to its own exit code so CI
// can tell "scan broke" from "scan worked, fleet is out of policy".
var errComplianceBelow = errors.New("compliance below threshold")

var rootCmd = &cobra.Command{
	Use:   "inventag",
	Short: "Read-Only Cloud Inventory & Tag Compliance",
	Long: `InvenTag - Cloud Governance Without Write Access

Discover. Audit. Never Mutate.`,
	Version: version.Current,
	// Run: nil (forces help output).
	Run: nil,
}

// Execute runs the CLI and maps sentinel errors onto exit codes:
// 0 clean, 1 run failure, 2 configuration rejected, 3 compliance below
// the --fail-below bar.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid), errors.Is(err, policy.ErrConfig):
		return 2
	case errors.Is(err, errComplianceBelow):
		return 3
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.inventag.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Log as JSON instead of text")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("json-logs", rootCmd.PersistentFlags().Lookup("json-logs"))

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderGlassHelp(cmd)
	})

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.SetConfigFile(filepath.Join(home, ".inventag.yaml"))
			viper.SetConfigType("yaml")
		}
	}
	viper.SetEnvPrefix("INVENTAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func renderGlassHelp(cmd *cobra.Command) {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#00FF99")).
		MarginBottom(1)

	flagStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA"))

	fmt.Println(titleStyle.Render(fmt.Sprintf("INVENTAG %s", version.Current)))
	fmt.Println("Read-only AWS inventory, tagging compliance, and drift detection.")

	fmt.Println(titleStyle.Render("USAGE"))
	fmt.Printf("  %s\n\n", cmd.UseLine())

	fmt.Println(titleStyle.Render("COMMANDS"))
	for _, c := range cmd.Commands() {
		if c.IsAvailableCommand() {
			fmt.Printf("  %-12s %s\n", c.Name(), c.Short)
		}
	}
	fmt.Println("")

	fmt.Println(titleStyle.Render("EXAMPLES"))
	fmt.Println("  inventag scan --regions us-east-1 --policy tags.yaml")
	fmt.Println("  inventag scan --all-profiles --state-dir s3://governance/snapshots")
	fmt.Println("  inventag delta baseline.json current.json")
	fmt.Println("")

	fmt.Println(titleStyle.Render("FLAGS"))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		output := fmt.Sprintf("  --%-20s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
			output += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Println(flagStyle.Render(output))
	})
	fmt.Println("")
}
