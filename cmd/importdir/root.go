package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/dirimport"
	"github.com/JonMunkholm/bulkimport/internal/logging"
)

type rootOptions struct {
	ServerURL string
	LogLevel  string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "importdir",
		Short:         "Upload a directory tree of exports to a bulk import server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.Setup(opts.LogLevel, "text")
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "url", envOr("IMPORT_SERVER_URL", "http://localhost:8080"), "import server base URL")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "debug, info, warn or error")

	client := func() *dirimport.Client { return dirimport.NewClient(opts.ServerURL, nil) }
	cmd.AddCommand(newRunCmd(client))
	cmd.AddCommand(newSchemasCmd(client))
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
