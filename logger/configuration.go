package logger

import (
	"path/filepath"
)

const (
	defaultMinLevel = "info"
	defaultFilename = "chuantou.log"

	rollingMaxSizeMB  = 1
	rollingMaxBackups = 5
	rollingMaxAgeDays = 0 // keep forever
)

// Config selects the outputs a logger writes to. A nil section disables that
// output entirely.
type Config struct {
	ConsoleConfig *ConsoleConfig
	FileConfig    *FileConfig
	RollingConfig *RollingConfig

	MinLevel string // debug | info | warn | error | fatal
}

type ConsoleConfig struct {
	noColor bool
	asJSON  bool
}

type FileConfig struct {
	Dirname  string
	Filename string
}

func (fc *FileConfig) Fullpath() string {
	return filepath.Join(fc.Dirname, fc.Filename)
}

type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

var defaultConfig = Config{
	ConsoleConfig: &ConsoleConfig{},
	FileConfig:    &FileConfig{Filename: defaultFilename},
	RollingConfig: &RollingConfig{
		Filename:   defaultFilename,
		maxSize:    rollingMaxSizeMB,
		maxBackups: rollingMaxBackups,
		maxAge:     rollingMaxAgeDays,
	},
	MinLevel: defaultMinLevel,
}

// CreateConfig assembles a Config from the flag values. A non-rolling file
// path wins over a rolling directory when both are set; the caller is
// expected to warn about the conflict.
func CreateConfig(
	minLevel string,
	disableTerminal bool,
	formatJSON bool,
	rollingLogPath, nonRollingLogFilePath string,
) *Config {
	cfg := Config{MinLevel: minLevel}
	if cfg.MinLevel == "" {
		cfg.MinLevel = defaultConfig.MinLevel
	}

	if !disableTerminal {
		cfg.ConsoleConfig = &ConsoleConfig{asJSON: formatJSON}
	}

	switch {
	case nonRollingLogFilePath != "":
		dirname, filename := filepath.Split(nonRollingLogFilePath)
		cfg.FileConfig = &FileConfig{Dirname: dirname, Filename: filename}
	case rollingLogPath != "":
		cfg.RollingConfig = &RollingConfig{
			Dirname:    rollingLogPath,
			Filename:   defaultConfig.RollingConfig.Filename,
			maxSize:    defaultConfig.RollingConfig.maxSize,
			maxBackups: defaultConfig.RollingConfig.maxBackups,
			maxAge:     defaultConfig.RollingConfig.maxAge,
		}
	}

	return &cfg
}
