// Package chronolog provides the process-wide structured logger used by
// every Chronos-DB component, built on zerolog the way the teacher's
// pkg/log does for cluster components.
package chronolog

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures the global logger. Safe to call more than once;
// the core has no implicit lazy reconfiguration beyond this explicit call.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithItem returns a child logger tagged with a collection/itemId pair.
func WithItem(collection, itemID string) zerolog.Logger {
	return Logger.With().Str("collection", collection).Str("item_id", itemID).Logger()
}

// WithOperation returns a child logger tagged with the mutation kind.
func WithOperation(op string) zerolog.Logger {
	return Logger.With().Str("op", op).Logger()
}

// WithRoute returns a child logger tagged with routing coordinates.
func WithRoute(databaseType, tier, collection string) zerolog.Logger {
	return Logger.With().
		Str("database_type", databaseType).
		Str("tier", tier).
		Str("collection", collection).
		Logger()
}

// LevelForKind maps a classified failure (§4.7/§7) to the zerolog level
// its severity warrants, so a caller logging a chronoserr.Error doesn't
// have to re-derive how serious its Kind is. Retryable transient kinds
// (StorageTransient, DocCommit, LockConflict - see chronoserr.IsRetryable)
// log at warn, since the fallback queue or a caller's own retry is
// expected to resolve them; everything else that reaches a log call
// already failed the operation outright and logs at error. Validation
// and NotFound are caller-input conditions, not failures of the system,
// and log at info.
func LevelForKind(kind chronoserr.Kind) zerolog.Level {
	switch kind {
	case chronoserr.KindValidation, chronoserr.KindNotFound:
		return zerolog.InfoLevel
	case chronoserr.KindStorageTransient, chronoserr.KindDocCommit, chronoserr.KindLockConflict:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// LogError writes msg at the level chronoserr.Error's Kind warrants, with
// the error and its Op attached. A plain (non-classified) error logs at
// error level, since it carries no severity signal of its own.
func LogError(logger zerolog.Logger, err error, msg string) {
	var level zerolog.Level
	var op string
	var ce *chronoserr.Error
	if errors.As(err, &ce) {
		level = LevelForKind(ce.Kind)
		op = ce.Op
	} else {
		level = zerolog.ErrorLevel
	}
	ev := logger.WithLevel(level).Err(err)
	if op != "" {
		ev = ev.Str("op", op)
	}
	ev.Msg(msg)
}
