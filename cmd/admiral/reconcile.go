package main

import (
	"fmt"

	"github.com/enascvm/admiral/pkg/storage"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one volume reconciliation pass for a host",
	Long: `Compare the volumes a host reports with the stored volume mirror and
apply the differences. The manager must not be running on the same data
directory.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().String("host", "", "Host to reconcile (required)")
	_ = reconcileCmd.MarkFlagRequired("host")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	hostID, _ := cmd.Flags().GetString("host")

	store, err := storage.NewBoltStore(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	s, err := newStack(cmd.Context(), cfg, store)
	if err != nil {
		return err
	}
	defer s.close()

	res, err := s.reconciler.ReconcileNow(cmd.Context(), hostID)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "A pass for %s is already running\n", hostID)
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Host %s reconciled\n", hostID)
	fmt.Fprintf(out, "  Discovered: %d\n", res.Discovered)
	fmt.Fprintf(out, "  Updated:    %d\n", res.Updated)
	fmt.Fprintf(out, "  Retired:    %d\n", res.Retired)
	fmt.Fprintf(out, "  Deleted:    %d\n", res.Deleted)
	return nil
}
