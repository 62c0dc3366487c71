package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wechat-listener",
		Short: "Deduplicate and maintain the layered chat message store",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(dedupCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(serveCmd())

	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one full workflow pass (health check, dedup, validate, cleanup)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowOnce()
		},
	}
}

func watchCmd() *cobra.Command {
	var (
		interval   string
		sessionCap string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run workflow passes on a schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(interval, sessionCap)
		},
	}

	cmd.Flags().StringVar(&interval, "interval", "", "pass interval (e.g. 5m, default: from config)")
	cmd.Flags().StringVar(&sessionCap, "session-cap", "", "stop after this duration (e.g. 8h, default: no cap)")
	return cmd
}

func dedupCmd() *cobra.Command {
	var (
		batchSize int
		noBackup  bool
	)

	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Deduplicate unprocessed raw messages into the clean tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedup(batchSize, noBackup)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "messages per batch (default: from config)")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the pre-operation snapshot")
	return cmd
}

func validateCmd() *cobra.Command {
	var (
		jsonOutput bool
		batchID    string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check database integrity and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(jsonOutput, batchID)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&batchID, "batch", "", "validate a single batch instead of the whole database")
	return cmd
}

func backupCmd() *cobra.Command {
	var (
		list    bool
		cleanup bool
		notes   string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a manual snapshot, or list/clean up existing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case list:
				return runBackupList()
			case cleanup:
				return runBackupCleanup()
			default:
				return runBackupCreate(notes)
			}
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list recorded snapshots")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "delete expired auto and pre-operation snapshots")
	cmd.Flags().StringVar(&notes, "notes", "", "notes stored with the snapshot")
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore the database from a snapshot (takes a safety snapshot first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(args[0])
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tier counts, dedup ratio and recent operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func ingestCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append captured messages to the raw tier (TSV: group, sender, content[, type])",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(file)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "read from file instead of stdin")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export deduplicated messages as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(out)
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
