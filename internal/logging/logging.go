// Package logging builds the per-component logrus loggers used by callbridge.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	ini "gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Loggers holds one entry per component plus the shared rotating file.
type Loggers struct {
	Core   *logrus.Entry
	Bridge *logrus.Entry
	Convai *logrus.Entry
	Twilio *logrus.Entry
	HTTP   *logrus.Entry

	file *lumberjack.Logger
}

// Setup configures loggers from the [logging] section. Levels are numeric:
// 0 trace, 1 debug, 2 info, 3 warn, 4 error, 5 fatal, 6 off.
func Setup(cfg *ini.File) *Loggers {
	return setup(cfg, os.Stdout)
}

func setup(cfg *ini.File, console io.Writer) *Loggers {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	file := &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("callbridge.log"),
		MaxSize:    sec.Key("max_size").MustInt(100), // megabytes
		MaxBackups: sec.Key("max_backups").MustInt(1),
	}

	level := func(key string, def int) logrus.Level {
		return toLogrusLevel(sec.Key(key).MustInt(def))
	}
	return &Loggers{
		Core:   newLogger("core", level("core", 2), consoleMin, fileMin, console, file),
		Bridge: newLogger("bridge", level("bridge", 2), consoleMin, fileMin, console, file),
		Convai: newLogger("convai", level("convai", 2), consoleMin, fileMin, console, file),
		Twilio: newLogger("twilio", level("twilio", 2), consoleMin, fileMin, console, file),
		HTTP:   newLogger("http", level("http", 3), consoleMin, fileMin, console, file),
		file:   file,
	}
}

// Close flushes and closes the log file.
func (l *Loggers) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, console, file io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: console, LogLevels: availableLevels(consoleMin)})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}
