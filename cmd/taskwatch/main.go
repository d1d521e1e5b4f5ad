package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

type globalFlags struct {
	server string
	token  string
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "taskwatch",
		Short:   "Watch and edit tasks on a tasksync server",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.server, "server", "s", envOr("TASKSYNC_URL", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("TASKSYNC_TOKEN"), "Bearer token")

	rootCmd.AddCommand(watchCmd(flags))
	rootCmd.AddCommand(statusCmd(flags))
	rootCmd.AddCommand(commentCmd(flags))
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
