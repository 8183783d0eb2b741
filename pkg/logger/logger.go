package logger

import (
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

var (
	InfoLog  *log.Logger
	ErrorLog *log.Logger
	WarnLog  *log.Logger
	logFile  io.WriteCloser
)

// Options controls the rotating log file. An empty Filename logs to the
// console only.
type Options struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitLogger initializes the logger with a rotating file output and console output
func InitLogger(opts Options) error {
	if opts.Filename == "" {
		Init()
		return nil
	}

	rotating := &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	logFile = rotating

	SetOutput(io.MultiWriter(os.Stdout, rotating))
	return nil
}

// SetOutput points every level at w.
func SetOutput(w io.Writer) {
	InfoLog = log.New(w, "INFO: ", flags)
	ErrorLog = log.New(w, "ERROR: ", flags)
	WarnLog = log.New(w, "WARN: ", flags)
}

func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Init() {
	InfoLog = log.New(os.Stdout, "INFO: ", flags)
	ErrorLog = log.New(os.Stderr, "ERROR: ", flags)
	WarnLog = log.New(os.Stdout, "WARN: ", flags)
}

// callDepth makes Lshortfile report the caller of Info/Warn/Error rather
// than this file.
const callDepth = 3

func output(l **log.Logger, format string, v ...interface{}) {
	if *l == nil {
		Init()
	}
	(*l).Output(callDepth, fmt.Sprintf(format, v...))
}

func Info(format string, v ...interface{}) {
	output(&InfoLog, format, v...)
}

func Infof(format string, v ...interface{}) {
	output(&InfoLog, format, v...)
}

func Error(format string, v ...interface{}) {
	output(&ErrorLog, format, v...)
}

func Errorf(format string, v ...interface{}) {
	output(&ErrorLog, format, v...)
}

func Warn(format string, v ...interface{}) {
	output(&WarnLog, format, v...)
}

func Warnf(format string, v ...interface{}) {
	output(&WarnLog, format, v...)
}
