// Package logging configures github.com/ethereum/go-ethereum/log as the
// process-wide logger, the way the teacher's own binaries do, with
// optional file output rotated by gopkg.in/natefinch/lumberjack.v2 when
// Config.LogFile is set.
package logging

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the root logger at the given level, writing to stderr and,
// if path is non-empty, to a rotated log file.
func Setup(level, path string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return err
	}

	var writer io.Writer = os.Stderr
	if path != "" {
		writer = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handler := log.NewTerminalHandler(writer, false)
	logger := log.NewLogger(log.LvlFilterHandler(lvl, handler))
	log.SetDefault(logger)
	return nil
}
