package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotated log file inside the log directory.
const LogFileName = "relay.log"

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// LogFormatter renders "[time] [level] [file:line] message key=value".
type LogFormatter struct{}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	fmt.Fprintf(b, "[%s] [%s] ", timestamp, level)
	if entry.Caller != nil {
		fmt.Fprintf(b, "[%s] ", formatSource(entry.Caller.File, entry.Caller.Line))
	}
	b.WriteString(strings.TrimRight(entry.Message, "\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SetupBaseLogger installs the formatter, caller reporting and the global
// ring buffer hook. It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})
		log.AddHook(GlobalBuffer)
	})
}

// SetLogLevel maps a level name onto logrus. Unknown names select info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput switches between stdout and a rotated file in dir.
func ConfigureLogOutput(toFile bool, dir string) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if !toFile {
		log.SetOutput(os.Stdout)
		return closeFileWriterLocked()
	}
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create log dir: %w", err)
	}
	path := filepath.Join(dir, LogFileName)
	if fileWriter != nil && fileWriter.Filename == path {
		return nil
	}
	if err := closeFileWriterLocked(); err != nil {
		log.Warnf("logging: close previous log file: %v", err)
	}
	fileWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   false,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	return nil
}

func closeFileWriterLocked() error {
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}
