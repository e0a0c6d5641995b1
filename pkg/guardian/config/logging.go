package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger
func SetupLogging(cfg *LoggingConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output, err := buildOutput(cfg)
	if err != nil {
		return err
	}

	log.Logger = zerolog.New(output).With().Timestamp().Str("service", "guardian").Logger()
	if cfg.EnableTrace {
		log.Logger = log.With().Caller().Logger()
	}

	log.Info().
		Str("level", cfg.Level).
		Str("format", cfg.Format).
		Bool("trace", cfg.EnableTrace).
		Str("file", cfg.File).
		Strs("output_paths", cfg.OutputPaths).
		Msg("Logging initialized")

	return nil
}

func buildOutput(cfg *LoggingConfig) (io.Writer, error) {
	var writers []io.Writer

	if cfg.Format == "console" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stderr)
	}

	paths := cfg.OutputPaths
	if cfg.File != "" {
		paths = append([]string{cfg.File}, paths...)
	}

	seen := map[string]bool{"stderr": true}
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true

		if path == "stdout" {
			writers = append(writers, os.Stdout)
			continue
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", path, err)
		}
		writers = append(writers, file)
	}

	if len(writers) == 1 {
		return writers[0], nil
	}
	return zerolog.MultiLevelWriter(writers...), nil
}
