package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"compliance-backup/internal/errors"
	"compliance-backup/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// DatabaseService defines the interface for database operations
type DatabaseService interface {
	Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error)
	TestConnection(ctx context.Context, db *sql.DB) error
	Close(db *sql.DB) error
	ExecuteSQL(ctx context.Context, db *sql.DB, statements []string) error
}

// Service implements the DatabaseService interface
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
	open              func(driver, dsn string) (*sql.DB, error)
}

// NewService creates a new database service with default settings
func NewService() *Service {
	return NewServiceWithLogger(logging.NewDefaultLogger())
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return &Service{
		connectionTimeout: 30 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
		open:              sql.Open,
	}
}

// NewServiceWithOptions creates a new database service with custom retry settings
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, retry errors.RetryConfig) *Service {
	s := NewServiceWithLogger(logger)
	s.connectionTimeout = timeout
	s.retryHandler = errors.NewRetryHandler(retry)
	return s
}

// Connect opens a pooled connection and pings it, retrying transient failures
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	startTime := time.Now()
	s.logger.WithFields(map[string]interface{}{
		"host":     config.Host,
		"database": config.Database,
		"port":     config.Port,
	}).Info("Attempting database connection")

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		conn, openErr := s.open("mysql", config.DSN())
		if openErr != nil {
			return errors.NewAppError(errors.ErrorTypeConnection, "failed to open database connection", openErr)
		}

		conn.SetMaxOpenConns(config.MaxOpenConns)
		conn.SetMaxIdleConns(config.MaxIdleConns)
		conn.SetConnMaxLifetime(config.ConnMaxLifetime)

		if pingErr := s.TestConnection(ctx, conn); pingErr != nil {
			conn.Close()
			return pingErr
		}
		db = conn
		return nil
	})

	s.logger.LogDatabaseConnection(config.Host, config.Database, err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	if err := db.PingContext(ctx); err != nil {
		classified := errors.NewErrorClassifier().ClassifyError(err)
		return classified.WithContext("step", "ping")
	}

	s.logger.Debug("Database connection test successful")
	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.NewAppError(errors.ErrorTypeConnection, "failed to close database connection", err)
	}
	s.logger.Debug("Database connection closed")
	return nil
}

// ExecuteSQL runs statements inside a single transaction
func (s *Service) ExecuteSQL(ctx context.Context, db *sql.DB, statements []string) (err error) {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	if len(statements) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewAppError(errors.ErrorTypeQuery, "failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.WithField("error", rbErr.Error()).Error("Failed to rollback transaction")
			}
		}
	}()

	for i, stmt := range statements {
		if stmt == "" {
			continue
		}

		start := time.Now()
		_, execErr := tx.ExecContext(ctx, stmt)
		s.logger.LogQuery(stmt, "", time.Since(start), 0, execErr)

		if execErr != nil {
			return errors.NewAppError(errors.ErrorTypeQuery, fmt.Sprintf("failed to execute statement %d", i+1), execErr).
				WithContext("statement", logging.SanitizeSQL(stmt))
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewAppError(errors.ErrorTypeQuery, "failed to commit transaction", err)
	}
	return nil
}
