package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogPath = "./halftimebot.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

// FileConfig is a rotating JSON file sink.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AlertConfig mirrors lines at MinLevel and above to stderr, at most
// RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the log sinks and rebuilds them on Apply.
type Service struct {
	mu   sync.Mutex
	file *lumberjack.Logger
	cur  atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a logger bound to it.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks. Loggers already handed out switch over at once.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
	}
	var sinks []io.Writer
	sinks, s.file = buildSinks(cfg)
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// buildSinks falls back to the console when nothing is enabled.
func buildSinks(cfg Config) ([]io.Writer, *lumberjack.Logger) {
	var (
		sinks []io.Writer
		file  *lumberjack.Logger
	)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if file = openFile(cfg.File); file != nil {
			sinks = append(sinks, file)
		}
	}
	if cfg.Alert.Enabled {
		sinks = append(sinks, newAlertWriter(os.Stderr, cfg.Alert))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	return sinks, file
}

func openFile(fc FileConfig) *lumberjack.Logger {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "logx: log dir for %q: %v\n", path, err)
		return nil
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(fc.MaxSizeMB, 50),
		MaxBackups: positiveOr(fc.MaxBackups, 5),
		MaxAge:     positiveOr(fc.MaxAgeDays, 14),
		Compress:   fc.Compress,
	}
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// alertWriter is a zerolog.LevelWriter that never fails the fanout.
type alertWriter struct {
	out     io.Writer
	min     zerolog.Level
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func newAlertWriter(out io.Writer, cfg AlertConfig) *alertWriter {
	rps := positiveOr(cfg.RatePerSec, 2)
	return &alertWriter{
		out:     out,
		min:     parseLevel(cfg.MinLevel, zerolog.WarnLevel),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	switch {
	case level < w.min || level == zerolog.NoLevel:
	case !w.limiter.Allow():
		w.dropped.Add(1)
	default:
		_, _ = w.out.Write(p)
	}
	return len(p), nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
