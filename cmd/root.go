package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"compliance-backup/internal/backup"
	apperrors "compliance-backup/internal/errors"
)

// EnvPrefix is prepended to every CLI setting read from the environment
const EnvPrefix = "COMPLIANCE_BACKUP"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "compliance-backup",
	Short: "Back up and restore tenant compliance data",
	Long: `compliance-backup snapshots a tenant's compliance records (audits,
grievances, permits, trainings, notifications, factories and users), file
metadata and configuration into compressed, optionally encrypted artifacts.

Artifacts are written to local disk and, in production, mirrored to S3,
MinIO, Azure Blob Storage or Google Cloud Storage. Backup records are kept
in MySQL together with their checksum, size and expiry date.

Examples:
  # Nightly full backup of the caller's tenant
  compliance-backup backup create --name nightly --tenant t1 --actor ops

  # Verify a backup without writing anything
  compliance-backup backup restore bkp_0123 --dry-run --tenant t1 --actor ops

  # Run the retention sweeper every six hours
  compliance-backup backup serve --interval 6h --actor system --role SUPER_ADMIN`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("display.verbose") && viper.GetBool("display.quiet") {
			return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
		}
		return nil
	},
}

// Execute runs the root command and exits with a code derived from the error kind
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", userMessage(err))
		os.Exit(exitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.compliance-backup.yaml)")

	flags.String("actor", "", "ID of the user on whose behalf the command runs")
	flags.String("tenant", "", "tenant of the acting user")
	flags.StringSlice("role", nil, "roles of the acting user (repeatable)")

	flags.BoolP("verbose", "v", false, "enable verbose output")
	flags.BoolP("quiet", "q", false, "suppress non-error output")
	flags.Duration("timeout", 30*time.Minute, "overall timeout for one-shot commands")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-level", "", "log level (quiet, normal, verbose, debug); derived from --verbose/--quiet when empty")

	flags.Bool("no-color", false, "disable color output")
	flags.String("theme", "dark", "color theme (dark, light, high-contrast, auto)")
	flags.String("format", "table", "output format (table, json, yaml, compact)")
	flags.Bool("no-progress", false, "disable progress spinners")
	flags.Bool("no-interactive", false, "disable interactive prompts")
	flags.String("table-style", "default", "table style (default, rounded, minimal)")
	flags.Int("max-table-width", 120, "maximum table width (40-300)")

	bindings := map[string]string{
		"actor.id":                "actor",
		"actor.tenant_id":         "tenant",
		"actor.roles":             "role",
		"display.verbose":         "verbose",
		"display.quiet":           "quiet",
		"timeout":                 "timeout",
		"log.file":                "log-file",
		"log.format":              "log-format",
		"log.level":               "log-level",
		"display.no_color":        "no-color",
		"display.theme":           "theme",
		"display.output_format":   "format",
		"display.no_progress":     "no-progress",
		"display.no_interactive":  "no-interactive",
		"display.table_style":     "table-style",
		"display.max_table_width": "max-table-width",
	}
	for key, flag := range bindings {
		cobra.CheckErr(viper.BindPFlag(key, flags.Lookup(flag)))
	}

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
	rootCmd.AddCommand(newBackupCommand())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".compliance-backup")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("display.verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// exitCode maps the caller-facing error kind onto a process exit status
func exitCode(err error) int {
	if errors.Is(err, errCancelledByUser) {
		return 0
	}
	switch backup.KindOf(err) {
	case backup.KindValidation:
		return 2
	case backup.KindNotFound:
		return 3
	case backup.KindForbidden:
		return 4
	default:
		return 1
	}
}

// userMessage hides internal causes behind the subsystem's message
func userMessage(err error) string {
	var backupErr *backup.BackupError
	if errors.As(err, &backupErr) && backup.KindOf(err) != backup.KindInternal {
		return backupErr.Message
	}
	return apperrors.FormatUserError(err)
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "compliance-backup version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Generate a sample configuration file",
		Long: `Print a complete configuration template with defaults filled in.

Secrets (database password, encryption secret, cloud keys) are better
supplied through the environment: DB_PASSWORD, BACKUP_ENCRYPTION_SECRET,
BACKUP_S3_SECRET_KEY and so on.

Examples:
  compliance-backup config > backup.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := backup.GenerateDefaultConfigYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
