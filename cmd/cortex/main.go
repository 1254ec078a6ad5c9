// Command cortex is the engine front end: ingest a source tree, search
// it semantically, inspect statistics and run maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/runtime"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openRuntime(configPath string) (*runtime.Runtime, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	return runtime.Open(cfg)
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "cortex",
		Short: "Code-intelligence substrate for AI agents",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $HOME/.ryht/cortex/config.toml)")

	root.AddCommand(ingestCmd(&configPath))
	root.AddCommand(searchCmd(&configPath))
	root.AddCommand(statsCmd(&configPath))
	root.AddCommand(sweepCmd(&configPath))
	root.AddCommand(serveCmd(&configPath))
	return root
}

func ingestCmd(configPath *string) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Sync a source tree into a workspace and parse it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ws := workspace
			if ws == "" {
				ws, err = rt.FS.CreateWorkspace(args[0])
				if err != nil {
					return err
				}
				fmt.Println("workspace:", ws)
			}
			report, err := rt.Ingest(ws, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d created=%d updated=%d conflicts=%d errors=%d\n",
				report.FilesScanned, report.Created, report.Updated, report.Conflicts, len(report.Errors))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "existing workspace id (default: create one)")
	return cmd
}

func searchCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over the indexed substrate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			query := args[0]
			for _, a := range args[1:] {
				query += " " + a
			}
			results, err := rt.Search.Search(context.Background(), query, limit, nil)
			if err != nil {
				return err
			}
			for i, r := range results {
				fmt.Printf("%2d. %.4f  %-8s %s\n", i+1, r.Score, r.Document.Kind, r.ID)
				if r.Document.Metadata["qualified"] != "" {
					fmt.Printf("      %s (%s)\n", r.Document.Metadata["qualified"], r.Document.Metadata["path"])
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			blobs, bytes, _ := rt.FS.Blobs().Stats()
			fmt.Printf("blobs: %d (%d bytes)\n", blobs, bytes)
			cache := rt.FS.CacheStats()
			fmt.Printf("content cache: %d entries, hits=%d misses=%d evictions=%d\n",
				cache.Entries, cache.Hits, cache.Misses, cache.Evictions)
			fmt.Printf("indexed documents: %d\n", rt.Search.Count())
			embedRate, queryRate := rt.Search.CacheStats()
			fmt.Printf("embedding cache hit rate: %.2f, query cache hit rate: %.2f\n", embedRate, queryRate)
			ps := rt.Pipeline.Stats()
			fmt.Printf("reparse: processed=%d deleted=%d parse_errors=%d\n",
				ps.FilesProcessed, ps.FilesDeleted, ps.ParseErrors)
			pool := rt.Pool.Stats()
			fmt.Printf("pool: open=%d idle=%d in_use=%d breaker=%s\n",
				pool.Open, pool.Idle, pool.InUse, rt.Pool.BreakerState())
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Collect unreferenced content blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.FS.Blobs().SweepUnreferenced()
			if err != nil {
				return err
			}
			fmt.Printf("collected %d blobs\n", n)
			return nil
		},
	}
}

func serveCmd(configPath *string) *cobra.Command {
	var workspace, watch string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, watching a tree for changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if watch != "" {
				ws := workspace
				if ws == "" {
					ws, err = rt.FS.CreateWorkspace(watch)
					if err != nil {
						return err
					}
				}
				if _, err := rt.Ingest(ws, watch); err != nil {
					return err
				}
				if err := rt.Watch(ctx, ws, watch); err != nil {
					return err
				}
				fmt.Printf("watching %s (workspace %s)\n", watch, ws)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			fmt.Println("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "existing workspace id")
	cmd.Flags().StringVar(&watch, "watch", "", "directory to ingest and watch")
	return cmd
}
