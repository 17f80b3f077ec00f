package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/version"
)

// ServiceName 写入每条日志的 service 字段。
const ServiceName = "shellcache"

// InitLogger 构造 JSON 结构化日志。级别取 SHELLCACHE_LOG_LEVEL，未设置时取配置文件的 LogLevel；
// 输出到 LogFilePath（lumberjack 轮转），目录不可用时降级到 stdout。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	levelName, source, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别（来源 %s）: %w", source, err)
	}

	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(newStaticFieldsHook(logrus.Fields{
		"service": ServiceName,
		"version": version.Version,
	}))

	// 第三方库经由标准 logrus 输出，保持同样的格式与级别
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if source == levelSourceEnv {
		logger.WithFields(logrus.Fields{
			"action": "log_level_override",
			"level":  level.String(),
		}).Debug("使用环境变量中的日志级别")
	}
	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

const (
	levelSourceEnv    = "SHELLCACHE_LOG_LEVEL"
	levelSourceConfig = "Global.LogLevel"
)

// resolveLevel 返回生效的级别名以及它的来源。
func resolveLevel(cfg config.GlobalConfig) (string, string, error) {
	env, err := config.ParseEnv()
	if err != nil {
		return "", "", err
	}
	if override := strings.TrimSpace(env.LogLevel); override != "" {
		return override, levelSourceEnv, nil
	}
	return cfg.LogLevel, levelSourceConfig, nil
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// staticFieldsHook 给每条日志补上固定字段，调用方已设置的同名字段优先。
type staticFieldsHook struct {
	fields logrus.Fields
}

func newStaticFieldsHook(fields logrus.Fields) *staticFieldsHook {
	return &staticFieldsHook{fields: fields}
}

func (h *staticFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *staticFieldsHook) Fire(entry *logrus.Entry) error {
	for key, value := range h.fields {
		if _, ok := entry.Data[key]; !ok {
			entry.Data[key] = value
		}
	}
	return nil
}
