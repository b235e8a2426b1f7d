package utils

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
)

// SetupLogging Configure the global logger: level, formatter and an optional rotating file.
func SetupLogging(config LogConfig) error {
	level, err := log.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if config.File == "" {
		log.SetOutput(os.Stderr)
		return nil
	}
	logFile := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	return nil
}
