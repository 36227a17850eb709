package testevents

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/okian/healstats/pkg/logger"
)

// File permission constants.
const (
	logFilePermission = 0600
)

// SetupLogging configures the global logger to write to stdout and, when
// logFile is set, to that file as well. The returned closer releases the file.
func SetupLogging(logFile string, jsonOutput bool) (io.Closer, error) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	if err := logger.Init(logger.WithOutput(out), logger.WithJSON(jsonOutput)); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if logFile != "" {
		logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	}
	return closer, nil
}
