package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"
)

// initLog writes the log to a file and to the terminal.
func initLog(logDir string, terminal bool, level string) error {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	writers := make([]io.Writer, 0, 2)
	if logDir != "" {
		if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
			return err
		}
		filename := filepath.Join(logDir, time.Now().Format("2006-01-02.log"))
		file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}
	if terminal {
		writers = append(writers, os.Stdout)
	}
	if len(writers) == 0 {
		log.SetOutput(io.Discard)
	} else {
		// both outputs
		log.SetOutput(ansicolor.NewAnsiColorWriter(io.MultiWriter(writers...)))
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	return nil
}
