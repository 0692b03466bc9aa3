package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gowvp/astra/internal/conf"
	"github.com/ixugo/goddd/pkg/system"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// SetupLog 同时输出到控制台与按天切割的日志文件，并设为默认 logger
func SetupLog(bc *conf.Bootstrap) (*slog.Logger, func(), error) {
	dir := bc.Log.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(system.Getwd(), dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	opts := []rotatelogs.Option{rotatelogs.WithLinkName(filepath.Join(dir, "astra.log"))}
	if d := bc.Log.MaxAge.Duration(); d > 0 {
		opts = append(opts, rotatelogs.WithMaxAge(d))
	}
	if d := bc.Log.RotationTime.Duration(); d > 0 {
		opts = append(opts, rotatelogs.WithRotationTime(d))
	}
	w, err := rotatelogs.New(filepath.Join(dir, "astra_%Y%m%d.log"), opts...)
	if err != nil {
		return nil, nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(bc.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, w), &slog.HandlerOptions{
		Level:     level,
		AddSource: bc.Server.Debug,
	}))
	slog.SetDefault(log)
	return log, func() { _ = w.Close() }, nil
}
