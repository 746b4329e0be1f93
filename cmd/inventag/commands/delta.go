package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inventag/inventag/pkg/delta"
	"github.com/inventag/inventag/pkg/state"
)

var deltaJSON bool

var deltaCmd = &cobra.Command{
	Use:   "delta <baseline.json> <current.json>",
	Short: "Diff two snapshot files",
	Long: `Compares two snapshot artifacts without touching AWS. Both files are
checksum-verified before the diff runs.

Example:
  inventag delta snapshots/123/20260301T120000Z_a1b2c3d4.json \
                 snapshots/123/20260302T120000Z_e5f6a7b8.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseline, err := loadSnapshotFile(args[0])
		if err != nil {
			return err
		}
		current, err := loadSnapshotFile(args[1])
		if err != nil {
			return err
		}

		rep := delta.Compute(baseline, current)
		if deltaJSON {
			data, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		printDelta(rep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deltaCmd)
	deltaCmd.Flags().BoolVar(&deltaJSON, "json", false, "Emit the full diff as JSON")
}

func loadSnapshotFile(path string) (*state.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	snap, err := state.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

func printDelta(rep *delta.Report) {
	fmt.Printf("Baseline: %s (%s)\n", rep.BaselineID, rep.BaselineAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Current:  %s (%s)\n\n", rep.CurrentID, rep.CurrentAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Added %d | Removed %d | Modified %d | Unchanged %d\n\n",
		rep.Stats.Added, rep.Stats.Removed, rep.Stats.Modified, rep.Stats.Unchanged)

	for _, r := range rep.Added {
		fmt.Printf("  + %-10s %s\n", r.Service, r.ID)
	}
	for _, r := range rep.Removed {
		fmt.Printf("  - %-10s %s\n", r.Service, r.ID)
	}
	for _, m := range rep.Modified {
		fmt.Printf("  ~ %-10s %s [%s]\n", m.Service, m.ID, m.ChangeType)
		for field, ch := range m.Changes {
			fmt.Printf("      %s: %v -> %v\n", field, ch.Old, ch.New)
		}
	}
	for _, c := range rep.ComplianceChanges {
		fmt.Printf("  ! %s: %s -> %s\n", c.ID, c.Old, c.New)
	}
}
