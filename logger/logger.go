package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	log  *logrus.Logger
	once sync.Once
)

// Setup initializes the process logger: logrus writing to stdout and a
// timestamped file under dir (e.g. log/2026-08-28_21-52-35.log). Safe
// to call more than once; only the first call configures anything.
// File creation failure is not fatal, logging falls back to stdout.
func Setup(dir, level string) *logrus.Logger {
	once.Do(func() {
		log = logrus.New()
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})

		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		log.SetLevel(lvl)

		if dir != "" {
			if file, err := openLogFile(dir); err != nil {
				log.WithError(err).Warn("file logging disabled")
			} else {
				log.SetOutput(io.MultiWriter(os.Stdout, file))
				log.WithField("path", file.Name()).Info("logging to file")
			}
		}
	})
	return log
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := time.Now().Format("2006-01-02_15-04-05") + ".log"
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// L returns the process logger, initializing a stdout-only logger if
// Setup has not run (tests).
func L() *logrus.Logger {
	if log == nil {
		return Setup("", "info")
	}
	return log
}
