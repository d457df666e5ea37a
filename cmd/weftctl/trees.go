package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/weft/internal/store"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

// openStore opens the same tree store the daemon uses, from the same
// config file. Reading sqlite under a live daemon works (WAL); writes
// should only happen with the daemon stopped.
func openStore() (store.TreeStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.New(store.Config{
		Type: cfg.Store.Type,
		Path: cfg.Store.Path,
		DSN:  cfg.Store.DSN,
		Addr: cfg.Store.Addr,
		DB:   cfg.Store.DB,
	})
}

func newTreesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trees",
		Short: "Inspect persisted conversation trees",
	}
	cmd.AddCommand(newTreesListCommand())
	cmd.AddCommand(newTreesShowCommand())
	cmd.AddCommand(newTreesDeleteCommand())
	return cmd
}

func newTreesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every persisted tree with node and state counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			snapshots, err := st.LoadAll(context.Background())
			if err != nil {
				return err
			}

			type summary struct {
				RootID string         `json:"root_id"`
				Nodes  int            `json:"nodes"`
				States map[string]int `json:"states"`
			}
			out := make([]summary, 0, len(snapshots))
			for rootID, data := range snapshots {
				tree, err := models.TreeFromSnapshot(data)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skipping corrupt snapshot %s: %v\n", rootID, err)
					continue
				}
				s := summary{RootID: rootID, Nodes: len(tree.Nodes), States: make(map[string]int)}
				for _, node := range tree.Nodes {
					s.States[string(node.State)]++
				}
				out = append(out, s)
			}
			return printJSON(out)
		},
	}
}

func newTreesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <root-id>",
		Short: "Print one tree's full snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			data, err := st.Load(context.Background(), args[0])
			if err != nil {
				return err
			}
			if data == nil {
				return fmt.Errorf("no tree with root %s", args[0])
			}
			tree, err := models.TreeFromSnapshot(data)
			if err != nil {
				return fmt.Errorf("snapshot for %s is corrupt: %w", args[0], err)
			}
			return printJSON(tree)
		},
	}
}

func newTreesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <root-id>",
		Short: "Delete one persisted tree (daemon should be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
