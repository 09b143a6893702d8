// Package log provides the structured, leveled logger used throughout the
// cascade core, in the same key/value idiom as gtos's own logger
// (log.Info("msg", "key", val, ...)).
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a logging severity.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, key-value records to an underlying writer.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	level  Level
	ctx    []interface{}
}

var root = New(os.Stderr)

// New creates a Logger writing to w, auto-detecting terminal color support.
func New(w io.Writer) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return &Logger{out: w, color: color, level: LevelInfo}
}

// SetLevel sets the minimum level that will be emitted on the root logger.
func SetLevel(l Level) { root.SetLevel(l) }

func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

// New returns a child logger with additional persistent context.
func (l *Logger) New(ctx ...interface{}) *Logger {
	return &Logger{out: l.out, color: l.color, level: l.level, ctx: append(append([]interface{}{}, l.ctx...), ctx...)}
}

func (l *Logger) write(lvl Level, msg string, ctx []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl < l.level {
		return
	}
	fmt.Fprintf(l.out, "%s [%s] %s", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), lvl, msg)
	all := append(append([]interface{}{}, l.ctx...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	if lvl == LevelCrit {
		fmt.Fprintf(l.out, " stack=%v", stack.Trace().TrimRuntime())
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Trace(msg string, ctx ...interface{}) { l.write(LevelTrace, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.write(LevelDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.write(LevelInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.write(LevelWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.write(LevelError, msg, ctx) }

// Crit logs at the critical level and then terminates the process, mirroring
// gtos's log.Crit used on unrecoverable ledger corruption (§7 kind 4).
func (l *Logger) Crit(msg string, ctx ...interface{}) {
	l.write(LevelCrit, msg, ctx)
	os.Exit(1)
}

func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }
func New_(ctx ...interface{}) *Logger      { return root.New(ctx...) }
