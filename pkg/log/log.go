package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// Actions is the high-level action log (snapshot created, upload
	// complete, ...). It writes to logs/snaptool.log with rotation and
	// does not duplicate into the main logger.
	Actions zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// LevelForVerbosity maps a -v count to a level (0 = error ... 3+ = debug).
func LevelForVerbosity(v int) Level {
	switch {
	case v <= 0:
		return ErrorLevel
	case v == 1:
		return WarnLevel
	case v == 2:
		return InfoLevel
	default:
		return DebugLevel
	}
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
		output = os.Stderr
	}

	// Under docker or systemd the runtime already captures stderr into
	// its own journal; writing our console format there would double
	// every entry.
	if suppressConsole() && cfg.Output == nil {
		output = io.Discard
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

// InitFromEnv sets a pre-CLI log level from INITIAL_LOG_LEVEL so startup
// messages emitted before flag parsing honor the operator's choice.
func InitFromEnv() {
	level := Level(os.Getenv("INITIAL_LOG_LEVEL"))
	switch level {
	case DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
	default:
		level = WarnLevel
	}
	Init(Config{Level: level})
}

func suppressConsole() bool {
	return os.Getenv("IN_DOCKER_CONTAINER") != "" || os.Getenv("LAUNCHED_BY_SYSTEMD") != ""
}

// LogDir is where the intent log and the action log live.
const LogDir = "logs"

// EnsureLogDirFile creates the logs directory and the named file inside
// it with permissive modes. The directory is frequently a shared
// container/host mount, so the permissive bits are applied best-effort.
func EnsureLogDirFile(filename string) (string, error) {
	if err := os.MkdirAll(LogDir, 0o777); err != nil {
		return "", err
	}
	_ = os.Chmod(LogDir, 0o777)
	path := filepath.Join(LogDir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return "", err
	}
	_ = f.Close()
	_ = os.Chmod(path, 0o666)
	return path, nil
}

// InitActions wires the action log to a rotating file under logs/.
func InitActions(filename string) error {
	path, err := EnsureLogDirFile(filename)
	if err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MiB
		MaxBackups: 2,
	}
	Actions = zerolog.New(zerolog.ConsoleWriter{
		Out:        rotator,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	return nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
