package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/safe4337/core/backup"
	"github.com/AvaProtocol/safe4337/storage"
)

var (
	backupDir        string
	periodicInterval int
	dbPath           string
	restoreFile      string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup relayer BadgerDB data",
		Long: `Backup the relayer ledger (balances, safe storage, receipts and journal)
to a specified directory.

The backup command can run either as a one-time backup or as a periodic backup process.
Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm-ss/badger.backup
Use --db-path to specify the BadgerDB directory to backup.
Use --dir to specify where to store the backups.
Use --interval to enable periodic backups (value in minutes, 0 means one-time backup).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, dbPath, backupDir, periodicInterval)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore relayer BadgerDB data from backup",
		Long: `Restore BadgerDB data from a backup file.

Use --db-path to specify the BadgerDB directory to restore to.
Use --file to specify the backup file to restore from.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, dbPath, restoreFile)
		},
	}
)

func runBackup(cmd *cobra.Command, dbPath, backupDir string, intervalMinutes int) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Starting BadgerDB backup. DB path: %s, Backup directory: %s\n", dbPath, backupDir)

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	service := backup.NewService(nil, db, backupDir)
	backupFile, err := service.PerformBackup()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backup completed successfully to %s\n", backupFile)
	if intervalMinutes == 0 {
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Setting up periodic backup every %d minutes\n", intervalMinutes)
	if err := service.StartPeriodicBackup(time.Duration(intervalMinutes) * time.Minute); err != nil {
		return err
	}
	defer service.StopPeriodicBackup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func runRestore(cmd *cobra.Command, dbPath, restoreFile string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Starting BadgerDB restore. DB path: %s, Restore file: %s\n", dbPath, restoreFile)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := storage.NewWithPath(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := backup.Restore(db, restoreFile); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Restore completed successfully\n")
	return nil
}

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "Directory to store backups")
	backupCmd.Flags().IntVar(&periodicInterval, "interval", 0, "Run backups periodically (minutes, 0 for one-time)")
	backupCmd.MarkFlagRequired("db-path")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	restoreCmd.MarkFlagRequired("db-path")
	restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
