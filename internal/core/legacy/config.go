package legacy

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/gowvp/astra/internal/conf"
)

// Config 单个会话的录制配置，零值字段在 NewRecorder 中取默认值
type Config struct {
	MeetingID string
	// Dir 会话目录，分片写入 Dir/chunks，清单为 Dir/metadata.json
	Dir string

	CaptureInput        []string
	Container           string
	ChunkDuration       time.Duration
	ChunkInterval       time.Duration
	MaxChunks           int
	AutoRestart         bool
	MaxRestartAttempts  int
	RestartDelay        time.Duration
	MemoryLimit         uint64 // 字节
	MemoryCheckInterval time.Duration
	StopGrace           time.Duration
}

// NewConfig 由配置文件生成会话配置
func NewConfig(cfg *conf.ServerLegacy, meetingID string) Config {
	return Config{
		MeetingID:           meetingID,
		Dir:                 filepath.Join(cfg.StorageDir, meetingID),
		CaptureInput:        cfg.CaptureInput,
		Container:           cfg.Container,
		ChunkDuration:       cfg.ChunkDuration.Duration(),
		ChunkInterval:       cfg.ChunkInterval.Duration(),
		MaxChunks:           cfg.MaxChunks,
		AutoRestart:         cfg.AutoRestart,
		MaxRestartAttempts:  cfg.MaxRestartAttempts,
		RestartDelay:        cfg.RestartDelay.Duration(),
		MemoryLimit:         uint64(cfg.MemoryLimitMB) * 1024 * 1024,
		MemoryCheckInterval: cfg.MemoryCheck.Duration(),
		StopGrace:           cfg.StopGrace.Duration(),
	}
}

func (c Config) withDefaults() (Config, error) {
	if c.MeetingID == "" || c.Dir == "" {
		return c, errors.New("meeting id and dir are required")
	}
	c.Container = strings.TrimPrefix(c.Container, ".")
	if c.Container == "" {
		c.Container = "mp4"
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 30 * time.Second
	}
	if c.ChunkInterval < 0 {
		c.ChunkInterval = 0
	}
	if c.MaxRestartAttempts < 0 {
		c.MaxRestartAttempts = 0
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c, nil
}
