package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dupekit/dupekit/internal/executor"
	"github.com/dupekit/dupekit/internal/merge"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/trash"
	"github.com/dupekit/dupekit/internal/types"
)

type mergeOptions struct {
	keeper string
	dryRun bool
}

func newMergeCmd() *cobra.Command {
	opts := &mergeOptions{}

	cmd := &cobra.Command{
		Use:   "merge <group-id>",
		Short: "Merge a duplicate group, moving losers to the recycle bin",
		Long: `Plans and executes a merge for one group: the keeper stays, metadata
missing on the keeper is filled from the trashed copies, and every other
member moves to the OS recycle bin. The operation records a durable undo
entry; use "dupekit undo" to reverse the last merge.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.keeper, "keeper", "", "File id to keep (overrides the suggestion)")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview the plan without touching files")

	return cmd
}

func runMerge(cmd *cobra.Command, groupArg string, opts *mergeOptions) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gid, err := uuid.Parse(groupArg)
	if err != nil {
		return fmt.Errorf("invalid group id: %w", err)
	}

	plan, err := buildPlan(a, gid, opts.keeper)
	if err != nil {
		return err
	}
	plan.DryRun = opts.dryRun

	printPlan(a, plan)
	if opts.dryRun {
		return nil
	}

	bin, err := trash.New()
	if err != nil {
		return err
	}
	ex := executor.New(a.store, bin, 0)
	res, err := ex.Execute(ctx, plan)
	if err != nil {
		return err
	}
	fmt.Printf("merged: %d files recycled, transaction %s\n", len(res.TrashedFileIDs), res.TxID)
	if res.SidecarPath != "" {
		fmt.Printf("sidecar written: %s\n", res.SidecarPath)
	}

	if _, err := ex.Reap(); err != nil {
		fmt.Fprintf(os.Stderr, "warn: undo log reaping failed: %v\n", err)
	}
	return nil
}

// buildPlan loads a group and runs the planner.
func buildPlan(a *app, gid types.GroupID, keeperArg string) (*types.MergePlan, error) {
	group, err := a.store.FetchGroupByID(gid)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("no group %s", gid)
	}

	ids := make([]types.FileID, 0, len(group.Members))
	for _, m := range group.Members {
		ids = append(ids, m.FileID)
	}
	files, err := a.store.FilesByIDs(ids)
	if err != nil {
		return nil, err
	}
	meta, err := a.store.MetadataByFileIDs(ids)
	if err != nil {
		return nil, err
	}

	var override *types.FileID
	if keeperArg != "" {
		id, err := uuid.Parse(keeperArg)
		if err != nil {
			return nil, fmt.Errorf("invalid keeper id: %w", err)
		}
		override = &id
	}
	return merge.Plan(gid, files, meta, override)
}

func newUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Undo the most recent merge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			bin, err := trash.New()
			if err != nil {
				return err
			}
			res, err := executor.New(a.store, bin, 0).UndoLast(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("restored %d files\n", len(res.RestoredFileIDs))
			for _, p := range res.FailedPaths {
				fmt.Fprintf(os.Stderr, "could not restore %s (no longer in the recycle bin)\n", p)
			}
			if !res.Success {
				return fmt.Errorf("undo was partial: %d files not restored", len(res.FailedPaths))
			}
			return nil
		},
	}
}

func newIgnoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ignore <file-id> <file-id>",
		Short: "Mark two files as not duplicates of each other",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			idA, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid file id %q: %w", args[0], err)
			}
			idB, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid file id %q: %w", args[1], err)
			}
			return a.store.AddIgnorePair(idA, idB)
		},
	}
}

// printGroups renders group results compactly.
func printGroups(a *app, results []store.GroupResult) {
	if len(results) == 0 {
		fmt.Println("no duplicate groups")
		return
	}
	for _, r := range results {
		fmt.Printf("%s  confidence %.2f  %d members", r.Group.ID, r.Group.Confidence, len(r.Members))
		if r.Group.Incomplete {
			fmt.Print("  incomplete")
		}
		fmt.Println()
		for _, m := range r.Members {
			marker := " "
			if m.KeeperSuggestion {
				marker = "*"
			}
			if f, err := a.store.FetchFileByID(m.FileID); err == nil && f != nil {
				fmt.Printf("  %s %s (%s)\n", marker, f.Path, humanize.IBytes(uint64(f.Size)))
			} else {
				fmt.Printf("  %s %s\n", marker, m.FileID)
			}
		}
	}
}

// printPlan renders a merge plan preview.
func printPlan(a *app, plan *types.MergePlan) {
	if keeper, err := a.store.FetchFileByID(plan.KeeperID); err == nil && keeper != nil {
		fmt.Printf("keep:  %s\n", keeper.Path)
	}
	for _, id := range plan.Trash {
		if f, err := a.store.FetchFileByID(id); err == nil && f != nil {
			fmt.Printf("trash: %s (%s)\n", f.Path, humanize.IBytes(uint64(f.Size)))
		}
	}
	for _, c := range plan.Changes {
		fmt.Printf("set %s = %s\n", c.Field, c.To)
	}
}
