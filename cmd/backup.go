package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"compliance-backup/internal/backup"
	"compliance-backup/internal/display"
)

var errCancelledByUser = errors.New("operation cancelled by user")

// newBackupCommand builds the "backup" command tree
func newBackupCommand() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage tenant compliance backups",
		Long: `Create, list, download, restore and expire tenant backups.

Every command runs on behalf of the actor given by --actor, --tenant and
--role. Non-privileged actors only see their own tenant; SUPER_ADMIN may
act on any tenant through --for-tenant.

Examples:
  # Back up audits and permits from the last 30 days, encrypted
  compliance-backup backup create --name q3-audits --entities audits,permits --from 30d --encrypt

  # List failed backups as JSON
  compliance-backup backup list --status FAILED --format json

  # Save an artifact to disk
  compliance-backup backup download bkp_0123 --output q3.json.gz`,
	}

	backupCmd.AddCommand(
		newBackupCreateCommand(),
		newBackupListCommand(),
		newBackupGetCommand(),
		newBackupDownloadCommand(),
		newBackupDeleteCommand(),
		newBackupCancelCommand(),
		newBackupRestoreCommand(),
		newBackupCleanupCommand(),
		newBackupServeCommand(),
	)
	return backupCmd
}

func commandTimeout() time.Duration {
	return viper.GetDuration("timeout")
}

// tenantFor returns the tenant a command targets: --for-tenant when given,
// otherwise the actor's own tenant
func tenantFor(cmd *cobra.Command, rt *appRuntime) string {
	if tenant, _ := cmd.Flags().GetString("for-tenant"); tenant != "" {
		return tenant
	}
	return rt.actor.TenantID
}

func newBackupCreateCommand() *cobra.Command {
	var (
		opts          backup.CreateOptions
		backupType    string
		baseID        string
		compression   string
		from, to      string
		promptForPass bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup and wait for it to finish",
		Long: `Create a backup of the tenant's compliance data.

The backup is queued, processed in the background and this command waits
for the final status. Interrupting the command cancels the backup.

Dates accept RFC3339, YYYY-MM-DD or a relative age such as 7d, 2w or 3m.

Examples:
  # Full backup of everything with the default retention
  compliance-backup backup create --name nightly

  # Files and configuration only, kept for a year
  compliance-backup backup create --name yearly --data=false --files --config-data --retention-days 365

  # Encrypted backup; prompts for the password
  compliance-backup backup create --name secret --encrypt --prompt-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.DateFrom, err = parseOptionalDate(from); err != nil {
				return backup.NewValidationError(err.Error(), nil)
			}
			if opts.DateTo, err = parseOptionalDate(to); err != nil {
				return backup.NewValidationError(err.Error(), nil)
			}
			opts.Compression = backup.CompressionType(compression)
			if opts.Spec, err = typeSpec(backupType, baseID); err != nil {
				return err
			}

			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				needsPassword := opts.Encryption && opts.Password == "" &&
					(promptForPass || rt.config.Encryption.FallbackSecret == "")
				if needsPassword && rt.printer.Config().Interactive {
					password, err := rt.printer.ReadPassword("Encryption password: ")
					if err != nil {
						return err
					}
					opts.Password = password
				}
				return runBackupCreate(ctx, rt, tenantFor(cmd, rt), opts)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Name, "name", "", "backup name (required)")
	flags.StringVar(&opts.Description, "description", "", "free-form description")
	flags.BoolVar(&opts.IncludeData, "data", true, "include entity data")
	flags.BoolVar(&opts.IncludeFiles, "files", false, "include file metadata")
	flags.BoolVar(&opts.IncludeConfig, "config-data", false, "include tenant configuration")
	flags.StringSliceVar(&opts.Entities, "entities", nil, "entities to export (default: all)")
	flags.StringVar(&from, "from", "", "only include rows created at or after this date")
	flags.StringVar(&to, "to", "", "only include rows created at or before this date")
	flags.StringVar(&compression, "compression", string(backup.CompressionTypeGzip), "compression (none, gzip, zip, zstd, lz4)")
	flags.BoolVar(&opts.Encryption, "encrypt", false, "encrypt the artifact")
	flags.StringVar(&opts.Password, "password", "", "encryption password (prefer --prompt-password)")
	flags.BoolVar(&promptForPass, "prompt-password", false, "prompt for the encryption password")
	flags.IntVar(&opts.RetentionDays, "retention-days", 0, "days to keep the backup (0 uses the configured default)")
	flags.StringVar(&backupType, "type", string(backup.BackupTypeFull), "backup type (FULL, INCREMENTAL, DIFFERENTIAL)")
	flags.StringVar(&baseID, "base", "", "base backup ID for incremental and differential backups")
	flags.String("for-tenant", "", "tenant to back up (SUPER_ADMIN only)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runBackupCreate(ctx context.Context, rt *appRuntime, tenantID string, opts backup.CreateOptions) error {
	record, _, err := rt.manager.CreateBackup(ctx, tenantID, opts, rt.actor)
	if err != nil {
		return err
	}
	rt.printer.Verbose(fmt.Sprintf("Backup %s queued for tenant %s", record.ID, record.TenantID))

	spinner := rt.printer.StartSpinner(fmt.Sprintf("Creating backup %s...", record.ID))
	final, err := rt.manager.Wait(ctx, record.ID)
	spinner.Stop("")
	if err != nil {
		if ctx.Err() == nil {
			return err
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, cancelErr := rt.manager.CancelBackup(cancelCtx, record.ID, rt.actor); cancelErr != nil {
			rt.logger.Warnf("Failed to cancel backup %s: %v", record.ID, cancelErr)
		}
		return fmt.Errorf("backup %s interrupted: %w", record.ID, ctx.Err())
	}

	if final.Status != backup.BackupStatusCompleted {
		if err := rt.printer.PrintRecord(final); err != nil {
			return err
		}
		return backup.NewInternalError(fmt.Sprintf("Backup %s ended %s: %s", final.ID, final.Status, final.ErrorMessage), nil)
	}

	rt.printer.Success(fmt.Sprintf("Backup %s completed (%s)", final.ID, display.FormatBytes(final.Size)))
	return rt.printer.PrintRecord(final)
}

func typeSpec(backupType, baseID string) (backup.TypeSpec, error) {
	switch backup.BackupType(strings.ToUpper(backupType)) {
	case backup.BackupTypeFull:
		return backup.FullSpec{}, nil
	case backup.BackupTypeIncremental:
		return backup.IncrementalSpec{BaseBackupID: baseID}, nil
	case backup.BackupTypeDifferential:
		return backup.DifferentialSpec{BaseBackupID: baseID}, nil
	default:
		return nil, backup.NewValidationError(fmt.Sprintf("invalid backup type: %s", backupType), nil)
	}
}

func newBackupListCommand() *cobra.Command {
	var (
		filter   backup.ListFilter
		status   string
		kind     string
		from, to string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups",
		Long: `List backups newest first, one page at a time.

Examples:
  # Completed backups from the last week
  compliance-backup backup list --status COMPLETED --from 7d

  # Second page of 50
  compliance-backup backup list --limit 50 --offset 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filter.DateFrom, err = parseOptionalDate(from); err != nil {
				return backup.NewValidationError(err.Error(), nil)
			}
			if filter.DateTo, err = parseOptionalDate(to); err != nil {
				return backup.NewValidationError(err.Error(), nil)
			}
			filter.Status = backup.BackupStatus(strings.ToUpper(status))
			filter.Type = backup.BackupType(strings.ToUpper(kind))

			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				filter.TenantID, _ = cmd.Flags().GetString("for-tenant")
				page, err := rt.manager.ListBackups(ctx, filter, rt.actor)
				if err != nil {
					return err
				}
				return rt.printer.PrintRecords(page)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&status, "status", "", "filter by status (PENDING, IN_PROGRESS, COMPLETED, FAILED, CANCELLED)")
	flags.StringVar(&kind, "type", "", "filter by backup type")
	flags.StringVar(&from, "from", "", "only backups created at or after this date")
	flags.StringVar(&to, "to", "", "only backups created at or before this date")
	flags.IntVar(&filter.Limit, "limit", 20, "page size (max 100)")
	flags.IntVar(&filter.Offset, "offset", 0, "number of backups to skip")
	flags.String("for-tenant", "", "list another tenant's backups (SUPER_ADMIN only)")

	return cmd
}

func newBackupGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <backup-id>",
		Short: "Show a backup's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				record, err := rt.manager.GetBackup(ctx, args[0], rt.actor)
				if err != nil {
					return err
				}
				return rt.printer.PrintRecord(record)
			})
		},
	}
}

func newBackupDownloadCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <backup-id>",
		Short: "Download a completed backup artifact",
		Long: `Fetch a completed backup's artifact after verifying its checksum.

The artifact is written as stored: compressed and, when requested at
creation, encrypted.

Examples:
  compliance-backup backup download bkp_0123
  compliance-backup backup download bkp_0123 --output - > backup.json.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				download, err := rt.manager.DownloadBackup(ctx, args[0], rt.actor)
				if err != nil {
					return err
				}

				if output == "-" {
					_, err := cmd.OutOrStdout().Write(download.Data)
					return err
				}
				path := output
				if path == "" {
					path = download.Filename
				}
				if err := os.WriteFile(path, download.Data, 0600); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				rt.printer.Success(fmt.Sprintf("Saved %s (%s, sha256 %s)", path, display.FormatBytes(int64(len(download.Data))), download.Checksum))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, or - for stdout (default: the artifact's file name)")
	return cmd
}

func newBackupDeleteCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup and its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				id := args[0]
				if !yes {
					confirmed, err := rt.printer.Confirm(fmt.Sprintf("Delete backup %s? This cannot be undone.", id), false)
					if errors.Is(err, display.ErrNotInteractive) {
						return backup.NewValidationError("refusing to delete without confirmation; pass --yes", nil)
					}
					if err != nil {
						return err
					}
					if !confirmed {
						rt.printer.Info("Deletion cancelled")
						return errCancelledByUser
					}
				}

				if err := rt.manager.DeleteBackup(ctx, id, rt.actor); err != nil {
					return err
				}
				rt.printer.Success(fmt.Sprintf("Backup %s deleted", id))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newBackupCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <backup-id>",
		Short: "Cancel a pending or running backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				record, err := rt.manager.CancelBackup(ctx, args[0], rt.actor)
				if err != nil {
					return err
				}
				if record.Status == backup.BackupStatusCancelled {
					rt.printer.Success(fmt.Sprintf("Backup %s cancelled", record.ID))
				} else {
					rt.printer.Info(fmt.Sprintf("Backup %s is being interrupted", record.ID))
				}
				return nil
			})
		},
	}
}

func newBackupRestoreCommand() *cobra.Command {
	var (
		opts          backup.RestoreOptions
		from, to      string
		promptForPass bool
	)

	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Validate and restore a completed backup",
		Long: `Verify a backup's checksum, decrypt and decompress it, then apply the
selected sections.

Use --dry-run to inspect what a backup contains without writing anything.

Examples:
  compliance-backup backup restore bkp_0123 --dry-run
  compliance-backup backup restore bkp_0123 --entities permits --overwrite --prompt-password`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BackupID = args[0]
			var err error
			if opts.DateFrom, err = parseOptionalDate(from); err != nil {
				return backup.NewValidationError(err.Error(), nil)
			}
			if opts.DateTo, err = parseOptionalDate(to); err != nil {
				return backup.NewValidationError(err.Error(), nil)
			}

			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				if promptForPass && opts.Password == "" {
					password, err := rt.printer.ReadPassword("Backup password: ")
					if err != nil {
						return err
					}
					opts.Password = password
				}

				result, err := rt.manager.RestoreBackup(ctx, opts, rt.actor)
				if err != nil {
					return err
				}
				return rt.printer.PrintRestoreResult(result)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.Entities, "entities", nil, "entities to restore (default: all in the backup)")
	flags.StringVar(&from, "from", "", "only restore rows created at or after this date")
	flags.StringVar(&to, "to", "", "only restore rows created at or before this date")
	flags.BoolVar(&opts.OverwriteExisting, "overwrite", false, "overwrite existing rows")
	flags.BoolVar(&opts.ValidateData, "validate", true, "validate the snapshot before applying")
	flags.BoolVar(&opts.DryRun, "dry-run", false, "validate only, write nothing")
	flags.StringVar(&opts.Password, "password", "", "decryption password (prefer --prompt-password)")
	flags.BoolVar(&promptForPass, "prompt-password", false, "prompt for the decryption password")

	return cmd
}

func newBackupCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every expired backup once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, commandTimeout(), func(ctx context.Context, rt *appRuntime) error {
				result, err := rt.manager.CleanupExpiredBackups(ctx)
				if err != nil {
					return err
				}
				return rt.printer.PrintCleanupResult(result)
			})
		},
	}
}

func newBackupServeCommand() *cobra.Command {
	var (
		interval time.Duration
		runNow   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the retention sweeper until interrupted",
		Long: `Run the retention sweeper in the foreground, deleting expired backups
every --interval. Concurrent sweepers on the same host are serialised
through retention.lock_file. Metrics are printed on shutdown.

Examples:
  compliance-backup backup serve --interval 6h --run-now`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, 0, func(ctx context.Context, rt *appRuntime) error {
				every := interval
				if every <= 0 {
					every = rt.config.Retention.CleanupInterval
				}

				if runNow {
					result, err := rt.manager.CleanupExpiredBackups(ctx)
					if err != nil {
						return err
					}
					if err := rt.printer.PrintCleanupResult(result); err != nil {
						return err
					}
				}

				rt.printer.Info(fmt.Sprintf("Sweeping expired backups every %s", every))
				err := rt.manager.Retention().ScheduleCleanup(ctx, every)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				rt.printer.Info("Sweeper stopped")
				return rt.printer.PrintMetrics(rt.manager.Metrics().Snapshot())
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between sweeps (default: retention.cleanup_interval)")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "sweep once immediately before scheduling")
	return cmd
}

func parseOptionalDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := parseDate(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseDate parses various date formats
func parseDate(dateStr string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return t, nil
	}

	if t, err := time.Parse("2006-01-02", dateStr); err == nil {
		return t, nil
	}

	// relative ages: 7d, 2w, 3m
	if len(dateStr) > 1 {
		amount, err := strconv.Atoi(dateStr[:len(dateStr)-1])
		if err == nil {
			now := time.Now()
			switch dateStr[len(dateStr)-1] {
			case 'd':
				return now.AddDate(0, 0, -amount), nil
			case 'w':
				return now.AddDate(0, 0, -amount*7), nil
			case 'm':
				return now.AddDate(0, -amount, 0), nil
			}
		}
	}

	return time.Time{}, fmt.Errorf("invalid date format: %s", dateStr)
}
