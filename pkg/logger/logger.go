package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 描述进程日志。OutputPaths 取值 stdout、stderr 或文件路径，
// 文件输出按 Rotation 滚动。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Rotation    Rotation
	Audit       AuditConfig
}

// Rotation 是文件输出的滚动策略，零值字段使用默认值。
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

// AuditConfig 控制审计流。未启用时审计记录写入普通日志；
// 启用后单独写入 Path，固定为 JSON 并带 stream=audit。
type AuditConfig struct {
	Enabled  bool
	Path     string
	Rotation Rotation
}

// Field keys shared by the application and audit streams.
const (
	KeyComponent = "component"
	KeyWalletID  = "wallet_id"
	KeyAgentID   = "agent_id"
)

type streams struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *streams
)

// Init 按 cfg 构建日志并替换当前实例，旧实例打开的文件随之关闭。
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		closeAll(next.closers)
		return err
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()

	if prev != nil {
		closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*streams, error) {
	s := &streams{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		w, err := s.open(out, cfg.Rotation)
		if err != nil {
			return s, err
		}
		writers = append(writers, w)
	}
	w := io.MultiWriter(writers...)
	if strings.EqualFold(cfg.Format, "text") {
		s.app = slog.New(slog.NewTextHandler(w, opts))
	} else {
		s.app = slog.New(slog.NewJSONHandler(w, opts))
	}

	s.audit = s.app
	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			return s, errors.New("audit log path cannot be empty when enabled")
		}
		aw, err := s.open(cfg.Audit.Path, cfg.Audit.Rotation)
		if err != nil {
			return s, err
		}
		s.audit = slog.New(slog.NewJSONHandler(aw, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}
	return s, nil
}

// open 返回标准输出或一个按 rot 滚动的文件。
func (s *streams) open(path string, rot Rotation) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rot = rot.withDefaults()
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	s.closers = append(s.closers, w)
	return w, nil
}

func parseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func load() *streams {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s != nil {
		return s
	}

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		h := slog.NewJSONHandler(os.Stdout, nil)
		current = &streams{app: slog.New(h), audit: slog.New(h)}
	}
	return current
}

// L 返回进程日志，未初始化时输出 JSON 到 stdout。
func L() *slog.Logger { return load().app }

// Audit 返回审计流。
func Audit() *slog.Logger { return load().audit }

// AuditFor 返回绑定钱包与代理的审计流。
func AuditFor(walletID, agentID string) *slog.Logger {
	return Audit().With(WalletAttrs(walletID, agentID)...)
}

// Named 返回带 component 字段的子日志。
func Named(name string) *slog.Logger {
	return L().With(slog.String(KeyComponent, name))
}

// WalletAttrs 返回把一条日志关联到钱包和代理的字段，空 ID 省略。
func WalletAttrs(walletID, agentID string) []any {
	attrs := make([]any, 0, 2)
	if walletID != "" {
		attrs = append(attrs, slog.String(KeyWalletID, walletID))
	}
	if agentID != "" {
		attrs = append(attrs, slog.String(KeyAgentID, agentID))
	}
	return attrs
}

// Sync 关闭当前实例打开的日志文件。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	err := closeAll(current.closers)
	current.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Discard 返回丢弃所有记录的日志，测试用。
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
