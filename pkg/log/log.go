// Package log provides a Zerolog-based package logger that can persist JSON
// log lines to an SQLite database and query them back.
package log

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"slimetracker-go/pkg/appdir"
)

var (
	writeSinceStart        atomic.Int64
	pkgLogger              = zerolog.Nop()
	dbWriterInstance       *sqliteWriter
	dbHandle               *sql.DB
	mu                     sync.RWMutex // guards the three above
	zerologTimeFieldFormat = time.RFC3339Nano

	ErrNotInitialized = errors.New("log: logger not initialized, call log.Init() first")
)

type sqliteWriter struct {
	db   *sql.DB
	stmt *sql.Stmt
	mu   sync.Mutex
}

func newSQLiteWriter(dbPath string) (*sqliteWriter, *sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode=wal&_pragma=busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite db %s: %w", dbPath, err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping sqlite db %s: %w", dbPath, err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS logs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            inserted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
            log_data TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_logs_json_time ON logs (json_extract(log_data, '$.time'));`,
		`CREATE INDEX IF NOT EXISTS idx_logs_json_level ON logs (json_extract(log_data, '$.level'));`,
	}
	if _, err = db.Exec(schema[0]); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create logs table: %w", err)
	}
	for _, idx := range schema[1:] {
		if _, err := db.Exec(idx); err != nil {
			stdlog.Printf("Warning: failed to create log index: %v", err)
		}
	}

	stmt, err := db.Prepare(`INSERT INTO logs (log_data) VALUES (?)`)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	return &sqliteWriter{db: db, stmt: stmt}, db, nil
}

func (w *sqliteWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err = w.stmt.Exec(string(p)); err != nil {
		stdlog.Printf("ERROR writing log to SQLite: %v", err)
		return 0, err
	}
	writeSinceStart.Add(1)
	return len(p), nil
}

func (w *sqliteWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.stmt != nil {
		if err := w.stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing statement: %w", err))
		}
		w.stmt = nil
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing db: %w", err))
		}
		w.db = nil
	}
	return errors.Join(errs...)
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// SetStd logs to the console only.
func SetStd() {
	mu.Lock()
	defer mu.Unlock()
	pkgLogger = zerolog.New(consoleWriter()).With().Timestamp().Logger()
}

// SetLevel sets the minimum level of the package logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	pkgLogger = pkgLogger.Level(level)
}

// dbPath resolves a relative database file against the app directory.
func dbPath(dbFile string) string {
	if filepath.IsAbs(dbFile) {
		return dbFile
	}
	return appdir.Path(dbFile)
}

// Init opens (or creates) the SQLite log store and routes the package logger
// into it. With console set, log lines are also written to stdout.
func Init(dbFile string, console bool) error {
	if dbFile == "" {
		return fmt.Errorf("logger need an explicit dbFile")
	}

	mu.Lock()
	defer mu.Unlock()
	if dbWriterInstance != nil {
		return fmt.Errorf("logger already initialized")
	}

	writer, db, err := newSQLiteWriter(dbPath(dbFile))
	if err != nil {
		return fmt.Errorf("failed to create SQLite writer: %w", err)
	}
	dbWriterInstance = writer
	dbHandle = db
	writeSinceStart.Store(0)

	zerolog.TimeFieldFormat = zerologTimeFieldFormat
	var out io.Writer = writer
	if console {
		out = zerolog.MultiLevelWriter(writer, consoleWriter())
	}
	pkgLogger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Open gives read access to an existing log store without touching the
// package logger. Used by the logs command.
func Open(dbFile string) error {
	mu.Lock()
	defer mu.Unlock()
	if dbHandle != nil {
		return nil
	}
	p := dbPath(dbFile)
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("log store %s: %w", p, err)
	}
	db, err := sql.Open("sqlite", p+"?_pragma=busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open sqlite db %s: %w", p, err)
	}
	dbHandle = db
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if dbWriterInstance == nil {
		if dbHandle != nil {
			err := dbHandle.Close()
			dbHandle = nil
			return err
		}
		return nil
	}

	dbWriter := dbWriterInstance
	dbWriterInstance = nil
	dbHandle = nil
	pkgLogger = zerolog.Nop()

	closeLogger := zerolog.New(dbWriter).With().Timestamp().Logger()
	closeLogger.Log().Msg("Closing SQLite logger")
	if err := dbWriter.close(); err != nil {
		return fmt.Errorf("error closing SQLite logger: %w", err)
	}
	return nil
}

// Logger returns the current package logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return pkgLogger
}

// Component returns the package logger tagged with a component field.
// The result is bound to the sink active at call time.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { l := Logger(); return l.Debug() }
func Info() *zerolog.Event  { l := Logger(); return l.Info() }
func Warn() *zerolog.Event  { l := Logger(); return l.Warn() }
func Error() *zerolog.Event { l := Logger(); return l.Error() }
func Fatal() *zerolog.Event { l := Logger(); return l.Fatal() }

// Printf sends a log event using info level and no extra field.
func Printf(format string, v ...interface{}) {
	l := Logger()
	l.Info().CallerSkipFrame(1).Msgf(format, v...)
}

func Fatalf(format string, v ...any) {
	l := Logger()
	l.Fatal().Msgf(format, v...)
}
