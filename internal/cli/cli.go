// Package cli builds the ledgerctl command line interface: open a log
// directory, inspect its status, run a compaction cycle, and drive
// backup/restore, all layered over internal/datastore.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beaver-ledger/ledgerstore/internal/backup"
	"github.com/beaver-ledger/ledgerstore/internal/datastore"
	"github.com/beaver-ledger/ledgerstore/internal/metrics"
	"github.com/beaver-ledger/ledgerstore/internal/walfile"
)

// Config is ledgerctl's YAML configuration file shape.
type Config struct {
	Datastore struct {
		Dir                   string        `yaml:"dir"`
		ChannelCount          int           `yaml:"channel_count"`
		RecoverMaxParallelism int           `yaml:"recover_max_parallelism"`
		BlobDirectoryCount    int           `yaml:"blob_directory_count"`
		BackupSessionTTL      time.Duration `yaml:"backup_session_ttl"`
	} `yaml:"datastore"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the root ledgerctl command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "ledgerctl: operate a ledgerstore log directory",
		Long: `ledgerctl opens a ledgerstore log directory and runs
maintenance operations against it: status reporting, compaction,
BLOB garbage collection, and backup/restore.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCompactCommand())
	rootCmd.AddCommand(buildBackupCommand())
	rootCmd.AddCommand(buildRestoreCommand())

	return rootCmd
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

func openDatastore(cfg *Config, m datastore.Metrics) (*datastore.Datastore, error) {
	return datastore.Open(walfile.OS{}, datastore.Config{
		Dir:                   cfg.Datastore.Dir,
		ChannelCount:          cfg.Datastore.ChannelCount,
		RecoverMaxParallelism: cfg.Datastore.RecoverMaxParallelism,
		BlobDirectoryCount:    cfg.Datastore.BlobDirectoryCount,
		BackupSessionTTL:      cfg.Datastore.BackupSessionTTL,
		Logger:                slog.Default(),
		Metrics:               m,
	})
}

func buildServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the datastore and run until a shutdown signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	ds, err := openDatastore(cfg, collector)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if err := ds.Ready(nil); err != nil {
		return fmt.Errorf("failed to mark datastore ready: %w", err)
	}

	slog.Info("ledgerstore serving", "dir", cfg.Datastore.Dir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return ds.Shutdown()
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Open the datastore, print a status summary, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
	return cmd
}

func runStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	ds, err := openDatastore(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer ds.Shutdown()

	coord := ds.Coordinator()
	fmt.Printf("ledgerstore status: %s\n", cfg.Datastore.Dir)
	fmt.Printf("  epoch_id_switched:        %d\n", coord.Switched())
	fmt.Printf("  epoch_id_to_be_recorded:  %d\n", coord.ToBeRecorded())
	fmt.Printf("  epoch_id_record_finished: %d\n", coord.RecordFinished())
	fmt.Printf("  epoch_id_informed:        %d\n", coord.Informed())

	inv, err := ds.BackupInventory()
	if err != nil {
		return fmt.Errorf("failed to assemble inventory: %w", err)
	}
	fmt.Printf("  rotated WAL files:   %d\n", len(inv.RotatedWAL))
	fmt.Printf("  detached WAL files:  %d\n", len(inv.DetachedWAL))
	fmt.Printf("  compacted files:     %d\n", len(inv.CompactedFiles))
	fmt.Printf("  blob files:          %d\n", len(inv.BlobFiles))
	return nil
}

func buildCompactCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact()
		},
	}
	return cmd
}

func runCompact() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	ds, err := openDatastore(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer ds.Shutdown()

	result, err := ds.Compact()
	if err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	fmt.Printf("compacted %d keys into %s (version %d, max epoch %d)\n",
		result.KeysMerged, result.CompactedFile, result.Version, result.MaxEpochID)
	return nil
}

func buildBackupCommand() *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Enumerate the current file set needed for a consistent backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(detailed)
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "print the entry-list form instead of the flat file-set form")
	return cmd
}

func runBackup(detailed bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	ds, err := openDatastore(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer ds.Shutdown()

	if detailed {
		entries, err := ds.BeginDetailedBackup()
		if err != nil {
			return fmt.Errorf("failed to begin detailed backup: %w", err)
		}
		for _, e := range entries {
			fmt.Printf("%s -> %s (mutable=%v detached=%v)\n", e.SourcePath, e.DestinationPath, e.IsMutable, e.IsDetached)
		}
		return nil
	}

	fs, err := ds.BeginBackup()
	if err != nil {
		return fmt.Errorf("failed to begin backup: %w", err)
	}
	fmt.Println("mutable:")
	for _, name := range fs.Mutable {
		fmt.Printf("  %s\n", name)
	}
	fmt.Println("immutable:")
	for _, name := range fs.Immutable {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func buildRestoreCommand() *cobra.Command {
	var fromDir string
	var keepBackup bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the log directory from a backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(fromDir, keepBackup)
		},
	}
	cmd.Flags().StringVar(&fromDir, "from", "", "directory containing a previously captured backup")
	cmd.Flags().BoolVar(&keepBackup, "keep-backup", false, "keep the source files in --from after restoring")
	cmd.MarkFlagRequired("from")
	return cmd
}

func runRestore(fromDir string, keepBackup bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	status := backup.Restore(walfile.OS{}, cfg.Datastore.Dir, fromDir, keepBackup)
	if status != backup.StatusOK {
		return fmt.Errorf("restore failed: %s", status)
	}
	fmt.Printf("restored %s from %s\n", cfg.Datastore.Dir, fromDir)
	return nil
}
