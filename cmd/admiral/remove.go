package main

import (
	"context"
	"fmt"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/removal"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/task"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove containers and release their resources",
	Long: `Run a container removal against the local data directory and wait
for it to finish. The manager must not be running on the same data
directory.

Examples:
  # Remove two containers from their hosts and clean up their records
  admiral remove --resource web-1 --resource web-2

  # Only clean up the records
  admiral remove --resource web-1 --remove-only`,
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().StringSlice("resource", nil, "Container link to remove (repeatable)")
	removeCmd.Flags().Bool("remove-only", false, "Clean up records without deleting containers on hosts")
	removeCmd.Flags().Bool("skip-placement", false, "Do not release placements")
	removeCmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for the removal")
	_ = removeCmd.MarkFlagRequired("resource")
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	links, _ := cmd.Flags().GetStringSlice("resource")
	removeOnly, _ := cmd.Flags().GetBool("remove-only")
	skipPlacement, _ := cmd.Flags().GetBool("skip-placement")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	store, err := storage.NewBoltStore(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var containers adapter.ContainerAdapter
	if !removeOnly {
		c, err := adapter.NewContainerdAdapter(cfg.Containerd.Socket, cfg.Containerd.Namespace)
		if err != nil {
			return err
		}
		defer c.Close()
		containers = c
	}

	s, err := newStack(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.withTasks(containers); err != nil {
		return err
	}

	id, err := s.engine.Create(ctx, task.CreateRequest{
		Kind:                         removal.Kind,
		ResourceLinks:                links,
		RemoveOnly:                   removeOnly,
		SkipReleaseResourcePlacement: skipPlacement,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s created\n", id)

	t, err := s.engine.Await(ctx, id)
	if err != nil {
		return fmt.Errorf("removal %s did not finish: %w", id, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Task %s %s (%s)\n", t.ID, t.Stage, t.SubStage)
	if t.Stage != types.TaskStageFinished {
		return fmt.Errorf("removal failed: %s", t.FailureMessage)
	}
	return nil
}
