package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kumien/jenkins/internal/config"
	"github.com/kumien/jenkins/internal/registry"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the provisioned worker roster",
}

var workerDescription string

var workerAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Provision a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *registry.Store) error {
			if err := store.Create(args[0], workerDescription); err != nil {
				return err
			}
			fmt.Printf("Worker %q provisioned\n", args[0])
			return nil
		})
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *registry.Store) error {
			workers, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION\tCREATED")
			for _, worker := range workers {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					worker.Name,
					worker.Description,
					worker.CreatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Deprovision a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *registry.Store) error {
			deleted, err := store.Delete(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no such worker: %s", args[0])
			}
			fmt.Printf("Worker %q removed\n", args[0])
			return nil
		})
	},
}

var workerImportCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Provision workers from a roster manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *registry.Store) error {
			manifest, err := registry.LoadManifest(args[0])
			if err != nil {
				return err
			}
			n, err := manifest.Seed(store)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioned %d workers\n", n)
			return nil
		})
	},
}

func init() {
	workerAddCmd.Flags().StringVar(&workerDescription, "description", "", "worker description")
	workerCmd.AddCommand(workerAddCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerRemoveCmd)
	workerCmd.AddCommand(workerImportCmd)
}

// withStore opens the roster store from the configured database path and
// runs fn against it.
func withStore(fn func(*registry.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := registry.OpenStore(cfg.Data.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(store)
}
