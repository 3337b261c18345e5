package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kumien/jenkins/internal/config"
	"github.com/kumien/jenkins/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the admission secret",
}

var secretShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the admission secret agents must present",
	Long: `Print the admission secret, generating it first if it does not exist
yet. Hand this value to the worker agents you provision; an agent that
cannot present it is rejected at connect time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		secret, err := secrets.NewFileStore(cfg.Data.SecretFile).Current()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretShowCmd)
}
