package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/dirimport"
)

type runOptions struct {
	Root       string
	Dir        string
	SchemaType string
	Timeout    time.Duration
	JSON       bool
	Progress   bool
}

func newRunCmd(client func() *dirimport.Client) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run --root <path> [--dir <name> [--schema <type>]]",
		Short: "Import every file under the root, one directory per schema type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.Root) == "" {
				return errors.New("--root is required")
			}
			if opts.SchemaType != "" && opts.Dir == "" {
				return errors.New("--schema needs --dir")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
				defer cancel()
			}

			im := &dirimport.Importer{Client: client(), Root: opts.Root}
			if opts.Progress {
				im.OnProgress = func(file string, ev core.ProgressEvent) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s parsed=%d written=%d failed=%d\n",
						file, ev.Phase, ev.RowsParsed, ev.RowsWritten, ev.RowsFailed)
				}
			}

			var (
				results []dirimport.Result
				err     error
			)
			if opts.Dir != "" {
				results, err = im.ProcessDir(ctx, opts.Dir, opts.SchemaType)
			} else {
				results, err = im.ProcessAll(ctx)
			}

			if werr := writeResults(cmd, results, opts.JSON); werr != nil && err == nil {
				err = werr
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("import timed out after %v", opts.Timeout)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Root, "root", "", "directory holding one subdirectory per schema type")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "only import this subdirectory")
	cmd.Flags().StringVar(&opts.SchemaType, "schema", "", "schema type for --dir (defaults to the directory name)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "give up after this long (0 means no limit)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "print progress snapshots to stderr")
	return cmd
}

func writeResults(cmd *cobra.Command, results []dirimport.Result, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tSTATUS\tWRITTEN\tFAILED\tJOB\tNOTE")
	for _, r := range results {
		note := r.Error
		if note == "" && r.FailedFile != "" {
			note = "failed rows in " + r.FailedFile
		}
		if r.Replayed {
			note = strings.TrimSpace("replayed " + note)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.File, r.Status, r.RowsWritten, r.RowsFailed, r.JobID, note)
	}
	return tw.Flush()
}
