package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dupekit/dupekit/internal/engine"
	"github.com/dupekit/dupekit/internal/store"
	"github.com/dupekit/dupekit/internal/types"
)

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Build and inspect duplicate groups",
	}
	cmd.AddCommand(newGroupsBuildCmd())
	cmd.AddCommand(newGroupsListCmd())
	cmd.AddCommand(newGroupsExplainCmd())
	return cmd
}

func newGroupsBuildCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run duplicate detection over scanned files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var ids []types.FileID
			if folder != "" {
				ids, err = a.store.FileIDsUnderPath(folder)
			} else {
				ids, err = a.store.AllFileIDs()
			}
			if err != nil {
				return err
			}

			eng := engine.New(a.store, a.cache, a.engineOptions(), a.hooks())
			results, err := eng.BuildGroups(ctx, ids)
			if err != nil {
				return err
			}
			printGroups(a, results)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "Restrict detection to files under a folder")
	return cmd
}

func newGroupsListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted duplicate groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var results []store.GroupResult
			if kind != "" {
				results, err = a.store.FetchGroupsByMediaType(types.ParseKind(kind))
			} else {
				results, err = a.store.FetchAllGroups()
			}
			if err != nil {
				return err
			}
			printGroups(a, results)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by media kind: photo, video, audio")
	return cmd
}

func newGroupsExplainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <group-id>",
		Short: "Show the scoring evidence for a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			gid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid group id: %w", err)
			}

			eng := engine.New(a.store, a.cache, a.engineOptions(), a.hooks())
			r, err := eng.Explain(gid)
			if err != nil {
				return err
			}

			fmt.Printf("group %s  %s  confidence %.2f", r.Group.ID, r.Label, r.Group.Confidence)
			if r.Group.Incomplete {
				fmt.Print("  (incomplete: confidence is a lower bound)")
			}
			fmt.Println()
			for _, m := range r.Members {
				marker := " "
				if m.KeeperSuggestion {
					marker = "*"
				}
				path := m.FileID.String()
				if f, err := a.store.FetchFileByID(m.FileID); err == nil && f != nil {
					path = f.Path
				}
				fmt.Printf("%s %s\n", marker, path)
				for _, sig := range m.Signals {
					fmt.Printf("    %-12s raw %.2f  weight %.2f  contrib %.3f  %s\n",
						sig.Key, sig.Raw, sig.Weight, sig.Contribution, sig.Rationale)
				}
				for _, p := range m.Penalties {
					fmt.Printf("    %-12s %.3f  %s\n", p.Key, p.Contribution, p.Rationale)
				}
			}
			return nil
		},
	}
}
