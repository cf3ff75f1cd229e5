package logx

import "github.com/rs/zerolog"

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level   string
	// Console enables the stdout sink. It is also used when no sink is enabled.
	Console bool
	// Format renders stdout as FormatConsole (default) or FormatJSON.
	Format  string
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultFilePath = "./timertrigger.log"

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}
