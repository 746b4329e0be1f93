package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/config"
	"github.com/inventag/inventag/pkg/engine"
	"github.com/inventag/inventag/pkg/report"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a read-only inventory and compliance scan",
	Long: `Discovers resources across the configured accounts and regions,
evaluates the tag policy, and writes report.json plus inventory.csv.

Every AWS call passes through the safety gate; the scan aborts rather
than let a mutating operation through.

Example:
  inventag scan --regions us-east-1,eu-west-1 --policy tags.yaml
  inventag scan --all-profiles --state-dir ./snapshots --fail-below 95`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildScanConfig()
		if err != nil {
			return err
		}

		eng, err := engine.New(cmd.Context(), engine.WithConfig(cfg))
		if err != nil {
			return err
		}
		defer eng.Close(cmd.Context())

		rep, runErr := eng.Run(cmd.Context())

		// The artifacts carry the audit trail, so they get written even
		// when the run came back partial or aborted.
		var files []string
		if rep != nil && len(rep.Accounts) > 0 {
			var writeErr error
			files, writeErr = eng.WriteArtifacts(cmd.Context(), rep)
			if writeErr != nil {
				fmt.Fprintf(os.Stderr, "[WARN] artifact write failed: %v\n", writeErr)
			}
		}
		if rep != nil {
			printScanSummary(rep, files)
		}
		if runErr != nil {
			return runErr
		}

		if bar := viper.GetFloat64("fail-below"); bar > 0 {
			if pct := rep.OverallCompliance(); pct != nil && *pct < bar {
				return fmt.Errorf("%w: %.1f%% < %.1f%%", errComplianceBelow, *pct, bar)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)

	f := scanCmd.Flags()
	f.String("regions", "", "Regions to scan, comma-separated (default: all enabled)")
	f.String("services", "", "Services to scan, comma-separated (default: all handlers)")
	f.String("profile", "", "Shared config profile to scan")
	f.Bool("all-profiles", false, "Scan every profile in the shared AWS config")
	f.String("role-arn", "", "Role to assume for the scan")
	f.String("external-id", "", "ExternalId for the assumed role")
	f.String("accounts-file", "", "Multi-account YAML manifest")
	f.String("policy", "", "Tag policy file (YAML or HCL)")
	f.String("output-dir", "inventag-out", "Directory for report.json and inventory.csv")
	f.String("s3-target", "", "Upload artifacts to s3://bucket/prefix after the run")
	f.String("state-dir", "", "Snapshot store: directory or s3://bucket/prefix")
	f.Bool("no-delta", false, "Write snapshots but skip the baseline comparison")
	f.String("fallback-display", config.DefaultFallbackDisplay, "Show fallback-only resources: auto, always, never")
	f.Bool("include-managed", false, "Keep AWS-managed resources in the inventory")
	f.Int("max-accounts", config.DefaultMaxConcurrentAccounts, "Concurrent account scans")
	f.Duration("account-deadline", config.DefaultAccountDeadline, "Per-account time budget")
	f.Duration("operation-timeout", config.DefaultOperationTimeout, "Per-API-call timeout")
	f.Int("violation-threshold", 0, "Blocked calls tolerated before aborting")
	f.Bool("with-costs", false, "Append the month-to-date Cost Explorer summary")
	f.Float64("fail-below", 0, "Exit 3 when compliance lands under this percentage")
	f.Bool("strict", false, "Exit non-zero on partial results")
	f.String("otel-endpoint", "", "OTLP endpoint for traces and metrics")

	f.String("endpoint", "", "Override the AWS endpoint (localstack)")
	f.MarkHidden("endpoint")

	viper.BindPFlags(f)
}

func buildScanConfig() (engine.Config, error) {
	if bar := viper.GetFloat64("fail-below"); bar < 0 || bar > 100 {
		return engine.Config{}, fmt.Errorf("%w: fail-below must be a percentage, got %v", config.ErrInvalid, bar)
	}

	run := config.DefaultRunConfig()
	run.Services = splitCSV(viper.GetString("services"))
	run.StateDir = viper.GetString("state-dir")
	run.DisableDelta = viper.GetBool("no-delta")
	run.FallbackDisplay = viper.GetString("fallback-display")
	run.IncludeManaged = viper.GetBool("include-managed")
	run.ViolationThreshold = viper.GetInt("violation-threshold")
	if n := viper.GetInt("max-accounts"); n > 0 {
		run.MaxConcurrentAccounts = n
	}
	if d := viper.GetDuration("account-deadline"); d > 0 {
		run.AccountDeadline = d
	}
	if d := viper.GetDuration("operation-timeout"); d > 0 {
		run.OperationTimeout = d
	}

	accounts, err := resolveAccounts()
	if err != nil {
		return engine.Config{}, err
	}

	outputDir := viper.GetString("output-dir")
	if target := viper.GetString("s3-target"); target != "" {
		outputDir = target
	}

	return engine.Config{
		Accounts:     accounts,
		PolicyFile:   viper.GetString("policy"),
		Run:          run,
		OutputDir:    outputDir,
		WithCosts:    viper.GetBool("with-costs"),
		StrictMode:   viper.GetBool("strict"),
		Verbose:      viper.GetBool("verbose"),
		JSONLogs:     viper.GetBool("json-logs"),
		Endpoint:     viper.GetString("endpoint"),
		OtelEndpoint: viper.GetString("otel-endpoint"),
	}, nil
}

// resolveAccounts turns the credential flags into scan scopes. Precedence:
// an accounts file beats --all-profiles beats the single-account flags.
func resolveAccounts() ([]awsx.AccountDescriptor, error) {
	var accounts []awsx.AccountDescriptor
	switch {
	case viper.GetString("accounts-file") != "":
		var err error
		accounts, err = awsx.LoadAccountsFile(viper.GetString("accounts-file"))
		if err != nil {
			return nil, err
		}
	case viper.GetBool("all-profiles"):
		profiles, err := awsx.ListProfiles()
		if err != nil {
			return nil, err
		}
		accounts = awsx.DescriptorsFromProfiles(profiles)
	default:
		desc := awsx.AccountDescriptor{Source: awsx.CredentialDefault}
		if p := viper.GetString("profile"); p != "" {
			desc.Source = awsx.CredentialProfile
			desc.Profile = p
		}
		if arn := viper.GetString("role-arn"); arn != "" {
			desc.Source = awsx.CredentialAssumeRole
			desc.RoleARN = arn
			desc.ExternalID = viper.GetString("external-id")
		}
		accounts = []awsx.AccountDescriptor{desc}
	}

	// --regions applies to every account that does not pin its own.
	regions := splitCSV(viper.GetString("regions"))
	for i := range accounts {
		if len(accounts[i].Regions) == 0 {
			accounts[i].Regions = regions
		}
	}
	return accounts, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printScanSummary(rep *report.Report, files []string) {
	status := rep.Status()
	style := lipgloss.NewStyle().Bold(true)
	switch status {
	case report.StatusDone:
		style = style.Foreground(lipgloss.Color("#00FF99"))
	case report.StatusPartial:
		style = style.Foreground(lipgloss.Color("#FFCC00"))
	default:
		style = style.Foreground(lipgloss.Color("#FF5555"))
	}

	fmt.Println("")
	fmt.Println(style.Render(fmt.Sprintf("[ SCAN %s ]", strings.ToUpper(string(status)))))
	fmt.Printf("  Accounts:   %d\n", len(rep.Accounts))
	fmt.Printf("  Resources:  %d\n", rep.TotalResources())
	fmt.Printf("  API calls:  %d (blocked: %d)\n", totalCalls(rep), rep.TotalViolations())
	if pct := rep.OverallCompliance(); pct != nil {
		fmt.Printf("  Compliance: %.1f%%\n", *pct)
	}
	for i := range rep.Accounts {
		ar := &rep.Accounts[i]
		if ar.Delta != nil {
			fmt.Printf("  Delta %s: +%d -%d ~%d\n",
				ar.AccountID, ar.Delta.Stats.Added, ar.Delta.Stats.Removed, ar.Delta.Stats.Modified)
		}
		if ar.Error != "" {
			fmt.Printf("  [%s] %s: %s\n", ar.Status, ar.AccountID, ar.Error)
		}
	}
	for _, f := range files {
		fmt.Printf("  Wrote: %s\n", f)
	}
	fmt.Println("")
}

func totalCalls(rep *report.Report) int64 {
	var n int64
	for i := range rep.Accounts {
		n += rep.Accounts[i].APICalls
	}
	return n
}
