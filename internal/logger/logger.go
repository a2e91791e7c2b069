package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var (
	currentLevel  atomic.Int32
	currentFormat atomic.Int32

	mu     sync.Mutex
	logger = stdlog.New(os.Stdout, "", 0)
	closer io.Closer
)

func init() {
	currentLevel.Store(int32(LevelInfo))
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	}
}

// SetFormat selects "text" or "json" line output. Unknown values are ignored.
func SetFormat(format string) {
	switch strings.ToLower(format) {
	case "text":
		currentFormat.Store(int32(FormatText))
	case "json":
		currentFormat.Store(int32(FormatJSON))
	}
}

// SetOutput redirects log lines to "stdout", "stderr" or a file path
// (opened in append mode). A previously opened file is closed.
func SetOutput(output string) error {
	var w io.Writer
	var c io.Closer

	switch strings.ToLower(output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", output, err)
		}
		w, c = f, f
	}

	SetWriter(w)

	mu.Lock()
	old := closer
	closer = c
	mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// SetWriter sends log lines to w. Mostly useful in tests.
func SetWriter(w io.Writer) {
	mu.Lock()
	logger = stdlog.New(w, "", 0)
	mu.Unlock()
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	return int32(level) >= currentLevel.Load()
}

func log(level Level, format string, v ...any) {
	if !Enabled(level) {
		return
	}

	now := time.Now()
	message := fmt.Sprintf(format, v...)

	var line string
	if Format(currentFormat.Load()) == FormatJSON {
		encoded, err := json.Marshal(struct {
			Time  string `json:"time"`
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}{now.Format(time.RFC3339Nano), level.String(), message})
		if err != nil {
			return
		}
		line = string(encoded)
	} else {
		timestamp := now.Format("2006-01-02 15:04:05")
		line = fmt.Sprintf("[%s] [%s] %s", timestamp, level.String(), message)
	}

	mu.Lock()
	l := logger
	mu.Unlock()
	l.Println(line)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
