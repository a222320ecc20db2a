package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"compliance-backup/internal/backup"
	"compliance-backup/internal/database"
	"compliance-backup/internal/display"
	apperrors "compliance-backup/internal/errors"
	"compliance-backup/internal/logging"
)

// appRuntime bundles everything a command needs to talk to the subsystem
type appRuntime struct {
	manager *backup.BackupManager
	printer *display.Printer
	logger  *logging.Logger
	config  *backup.BackupSystemConfig
	actor   backup.Actor
	closers []func() error
}

// Close stops the worker pool and releases the database connection
func (r *appRuntime) Close(ctx context.Context) error {
	var firstErr error
	if r.manager != nil {
		if err := r.manager.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runtimeFactory builds the runtime for a command. Tests replace it.
var runtimeFactory = newAppRuntime

func newAppRuntime(ctx context.Context, cmd *cobra.Command) (*appRuntime, error) {
	printer, err := newPrinter(cmd)
	if err != nil {
		return nil, err
	}

	config, err := backup.NewConfigLoader(cfgFile).LoadConfig()
	if err != nil {
		return nil, backup.NewConfigurationError("failed to load configuration", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	rt := &appRuntime{
		printer: printer,
		logger:  logger,
		config:  config,
		actor:   actorFromFlags(),
	}

	if !config.Database.Enabled() {
		return nil, backup.NewConfigurationError("database connection is not configured (set database.host and database.database or DB_HOST/DB_NAME)", nil)
	}
	dbService := database.NewServiceWithLogger(logger)
	db, err := dbService.Connect(ctx, config.Database)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return dbService.Close(db) })

	if err := dbService.ExecuteSQL(ctx, db, backup.SchemaStatements); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to prepare backup schema: %w", err)
	}

	storage, err := backup.NewStorageBackendFactory(logger).Create(ctx, config.Environment, config.Storage)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	audit, err := backup.NewBackupLogger(backup.BackupLoggerConfig{
		Logger:         logger,
		EnableAuditLog: config.Audit.Enabled,
		AuditLogFile:   config.Audit.File,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	rt.manager, err = newManager(config, db, storage, logger, audit)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func newManager(config *backup.BackupSystemConfig, db *sql.DB, storage backup.StorageBackend, logger *logging.Logger, audit *backup.BackupLogger) (*backup.BackupManager, error) {
	return backup.NewBackupManager(backup.Dependencies{
		Config:     config,
		Store:      backup.NewSQLRecordStore(db, logger),
		Storage:    storage,
		DataAccess: backup.NewSQLDataAccessLayer(db, logger),
		Logger:     logger,
		Audit:      audit,
	})
}

// newPrinter builds the printer from the display flags
func newPrinter(cmd *cobra.Command) (*display.Printer, error) {
	config := display.DefaultDisplayConfig()
	config.ColorEnabled = !viper.GetBool("display.no_color")
	config.Theme = viper.GetString("display.theme")
	config.OutputFormat = viper.GetString("display.output_format")
	config.ShowProgress = !viper.GetBool("display.no_progress")
	config.Interactive = !viper.GetBool("display.no_interactive")
	config.VerboseMode = viper.GetBool("display.verbose")
	config.QuietMode = viper.GetBool("display.quiet")
	config.TableStyle = viper.GetString("display.table_style")
	config.MaxTableWidth = viper.GetInt("display.max_table_width")
	config.Writer = cmd.OutOrStdout()
	config.ErrWriter = cmd.ErrOrStderr()
	config.Reader = cmd.InOrStdin()

	if err := config.Validate(); err != nil {
		return nil, backup.NewValidationError(err.Error(), nil)
	}
	return display.NewPrinter(config), nil
}

// newLogger maps the verbosity flags onto a log level. Operational logs
// stay on errors only unless verbose output is requested; the printer owns
// regular command output.
func newLogger(out io.Writer) (*logging.Logger, error) {
	level := logging.LogLevelQuiet
	if viper.GetBool("display.verbose") {
		level = logging.LogLevelVerbose
	}
	if viper.GetString("log.level") != "" {
		level = logging.LogLevel(viper.GetString("log.level"))
	}

	return logging.NewLogger(logging.Config{
		Level:   level,
		Output:  out,
		Format:  viper.GetString("log.format"),
		LogFile: viper.GetString("log.file"),
	})
}

func actorFromFlags() backup.Actor {
	return backup.Actor{
		ID:       viper.GetString("actor.id"),
		TenantID: viper.GetString("actor.tenant_id"),
		Roles:    viper.GetStringSlice("actor.roles"),
	}
}

// withRuntime runs fn with a runtime whose context is cancelled on SIGINT/SIGTERM.
// A zero timeout leaves the context unbounded.
func withRuntime(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, rt *appRuntime) error) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdown := apperrors.NewGracefulShutdownHandler()
	shutdown.RegisterShutdownFunc(func() error {
		cancel()
		return nil
	})
	shutdown.Start()
	defer shutdown.Stop()

	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}
	ctx = logging.CreateContextWithRequestID(ctx, uuid.New().String())

	rt, err := runtimeFactory(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if closeErr := rt.Close(shutdownCtx); closeErr != nil {
			rt.logger.Warnf("Shutdown did not complete cleanly: %v", closeErr)
		}
	}()

	return fn(ctx, rt)
}
