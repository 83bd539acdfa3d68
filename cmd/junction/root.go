package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "junction",
	Short:         "Junction connects an organization's SaaS accounts and keeps them healthy.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, healthcheckCmd, rotateCmd, cleanupCmd, migrateCmd, providersCmd, tokenCmd)
}
