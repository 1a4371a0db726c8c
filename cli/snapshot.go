package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/attendance-points/ledger"
)

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)

	snapshotCmd.PersistentFlags().String("admin", "cli", "Admin recorded in the audit log")
	snapshotCreateCmd.Flags().StringP("description", "d", "", "Free text stored with the snapshot")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Back up and restore balances",
	Long: `Snapshots copy every student's stored balance in a site. Restoring
overwrites the stored balances only; the transaction ledger is untouched, so
run "pointsd verify" afterwards to see the drift a restore introduces.`,
}

// =============================================================================
// SNAPSHOT CREATE
// =============================================================================

var snapshotCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Capture every balance in the site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := snapshotService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		desc, _ := cmd.Flags().GetString("description")
		id, err := svc.CreateBackup(cmd.Context(), siteFlag(cmd), args[0], desc, adminFlag(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s created\n", id)
		return nil
	},
}

// =============================================================================
// SNAPSHOT LIST
// =============================================================================

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, closeFn, err := snapshotService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		snaps, err := svc.List(cmd.Context(), siteFlag(cmd))
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No snapshots.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTUDENTS\tCREATED\tBY")
		for _, s := range snaps {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				s.ID, s.Name, s.EntryCount, s.CreatedAt.Format("2006-01-02 15:04"), s.CreatedBy)
		}
		return tw.Flush()
	},
}

// =============================================================================
// SNAPSHOT RESTORE
// =============================================================================

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Overwrite balances from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := snapshotService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.Restore(cmd.Context(), siteFlag(cmd), ledger.SnapshotID(args[0]), adminFlag(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %d balances from %s\n", res.Restored, res.SnapshotID)
		return nil
	},
}

// =============================================================================
// SNAPSHOT DELETE
// =============================================================================

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := snapshotService(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		id := ledger.SnapshotID(args[0])
		if err := svc.Delete(cmd.Context(), siteFlag(cmd), id, adminFlag(cmd)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s deleted\n", id)
		return nil
	},
}

func snapshotService(cmd *cobra.Command) (*ledger.SnapshotService, func() error, error) {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewSnapshotService(a.backend, a.backend, a.logger), a.backend.Close, nil
}
