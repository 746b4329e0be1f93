package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inventag/inventag/pkg/config"
	"github.com/inventag/inventag/pkg/engine"
	"github.com/inventag/inventag/pkg/state"
)

var (
	snapStateDir string
	snapAccount  string
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and maintain the snapshot store",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSnapshotStore(cmd)
		if err != nil {
			return err
		}
		entries, err := store.List(cmd.Context(), snapAccount, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s\n", e.CreatedAt.Format(time.RFC3339), e.AccountID, e.Key)
		}
		return nil
	},
}

var snapshotsVerifyCmd = &cobra.Command{
	Use:   "verify <key>",
	Short: "Re-read a snapshot and check its integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSnapshotStore(cmd)
		if err != nil {
			return err
		}
		snap, err := store.Read(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("OK  %s  account=%s  resources=%d  checksum=%s\n",
			snap.Header.SnapshotID, snap.Header.AccountID, snap.Header.ResourceCount, snap.Checksum)
		return nil
	},
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots past the retention horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := snapshotTarget()
		if err != nil {
			return err
		}
		// Pruning is the one place a delete allowance is granted, and
		// only on the store's own session.
		logger := engine.NewLogger(viper.GetBool("verbose"), viper.GetBool("json-logs"))
		store, err := engine.OpenStore(cmd.Context(), dir, logger, "S3:DeleteObject")
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("retention-days")
		removed, err := store.Prune(cmd.Context(), snapAccount, days)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Println("Nothing to prune.")
			return nil
		}
		for _, key := range removed {
			fmt.Printf("pruned %s\n", key)
		}
		fmt.Printf("%d snapshot(s) removed.\n", len(removed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsVerifyCmd)
	snapshotsCmd.AddCommand(snapshotsPruneCmd)

	snapshotsCmd.PersistentFlags().StringVar(&snapStateDir, "state-dir", "", "Snapshot store: directory or s3://bucket/prefix")
	snapshotsCmd.PersistentFlags().StringVar(&snapAccount, "account", "", "Restrict to one account id")
	snapshotsPruneCmd.Flags().Int("retention-days", config.DefaultRetentionDays, "Keep snapshots newer than this many days")
}

// snapshotTarget resolves the store location: the subcommand flag first,
// then the scan config (file or INVENTAG_STATE_DIR).
func snapshotTarget() (string, error) {
	dir := snapStateDir
	if dir == "" {
		dir = viper.GetString("state-dir")
	}
	if dir == "" {
		return "", fmt.Errorf("%w: snapshots need --state-dir", config.ErrInvalid)
	}
	return dir, nil
}

func openSnapshotStore(cmd *cobra.Command) (*state.Store, error) {
	dir, err := snapshotTarget()
	if err != nil {
		return nil, err
	}
	logger := engine.NewLogger(viper.GetBool("verbose"), viper.GetBool("json-logs"))
	return engine.OpenStore(cmd.Context(), dir, logger)
}
