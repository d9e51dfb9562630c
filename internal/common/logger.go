package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger instance, creating a console logger on first use
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(consoleWriter(NewDefaultConfig().Logging))
	}
	return globalLogger
}

// InitLogger builds the arbor logger from the [logging] section and stores it globally
func InitLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	logger := arbor.NewLogger()
	logging := config.Logging

	fileOutput, consoleOutput := false, false
	for _, output := range logging.Output {
		switch output {
		case "file":
			fileOutput = true
		case "stdout", "console":
			consoleOutput = true
		}
	}

	if fileOutput {
		if logsDir, err := logsDirectory(); err != nil {
			fmt.Printf("Warning: Failed to resolve logs directory: %v\n", err)
		} else {
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:             models.LogWriterTypeFile,
				FileName:         filepath.Join(logsDir, "licitometro.log"),
				TimeFormat:       timeFormatOrDefault(logging.TimeFormat),
				MaxSize:          100 * 1024 * 1024, // 100 MB
				MaxBackups:       3,
				TextOutput:       logging.Format != "json",
				DisableTimestamp: false,
			})
		}
	}

	// Without any console writer the process would be silent on stdout
	if consoleOutput || !fileOutput {
		logger = logger.WithConsoleWriter(consoleWriter(logging))
	}

	logger = logger.WithLevelFromString(logging.Level)

	globalLogger = logger
	return logger
}

func consoleWriter(logging LoggingConfig) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       timeFormatOrDefault(logging.TimeFormat),
		TextOutput:       logging.Format != "json",
		DisableTimestamp: false,
	}
}

func timeFormatOrDefault(format string) string {
	if format == "" {
		return "15:04:05"
	}
	return format
}

// logsDirectory returns ./logs next to the executable, creating it if needed
func logsDirectory() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	logsDir := filepath.Join(filepath.Dir(execPath), "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", err
	}
	return logsDir, nil
}
