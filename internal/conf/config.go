package conf

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ixugo/goddd/pkg/orm"
	"github.com/pelletier/go-toml/v2"
)

// DefaultConfig 默认配置
func DefaultConfig() Bootstrap {
	return Bootstrap{
		Server: Server{
			HTTP: ServerHTTP{
				Host:    "127.0.0.1",
				Port:    15123,
				Timeout: Duration(60 * time.Second),
				PProf: ServerPPROF{
					AccessIps: []string{"::1", "127.0.0.1"},
				},
			},
			Recording: ServerRecording{
				StorageDir: "./recordings",
				Container:  "webm",
				StopGrace:  Duration(3 * time.Second),
				MergeRetry: RetryPolicy{
					Attempts: 3,
					Delay:    Duration(2 * time.Second),
				},
				RetainDays:         30,
				DiskUsageThreshold: 95,
				CleanupInterval:    Duration(60 * time.Minute),
			},
			Legacy: ServerLegacy{
				StorageDir:         "./legacy",
				Container:          "mp4",
				CaptureInput:       []string{"-f", "lavfi", "-i", "testsrc=size=1280x720:rate=30"},
				ChunkDuration:      Duration(30 * time.Second),
				ChunkInterval:      Duration(100 * time.Millisecond),
				AutoRestart:        true,
				MaxRestartAttempts: 3,
				RestartDelay:       Duration(2 * time.Second),
				MemoryLimitMB:      512,
				MemoryCheck:        Duration(10 * time.Second),
				StopGrace:          Duration(5 * time.Second),
				CombineRetry: RetryPolicy{
					Attempts: 3,
					Delay:    Duration(2 * time.Second),
				},
			},
		},
		Data: Data{
			Database: Database{
				Dsn:             "data.db",
				MaxIdleConns:    10,
				MaxOpenConns:    50,
				ConnMaxLifetime: Duration(6 * time.Hour),
				SlowThreshold:   Duration(200 * time.Millisecond),
			},
		},
		Log: Log{
			Dir:          "./logs",
			Level:        "info",
			MaxAge:       Duration(7 * 24 * time.Hour),
			RotationTime: Duration(24 * time.Hour),
		},
	}
}

// SetupConfig 读取配置目录下的 config.toml，不存在时写入默认配置
func SetupConfig(dir string) (*Bootstrap, error) {
	bc := DefaultConfig()
	bc.ConfigDir = dir
	bc.ConfigPath = filepath.Join(dir, "config.toml")

	b, err := os.ReadFile(bc.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		bc.Server.HTTP.JwtSecret = orm.GenerateRandomString(32)
		return &bc, WriteConfig(&bc, bc.ConfigPath)
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(b, &bc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", bc.ConfigPath, err)
	}
	// 桌面壳从配置文件读取密钥签发 token，必须落盘
	if bc.Server.HTTP.JwtSecret == "" {
		bc.Server.HTTP.JwtSecret = orm.GenerateRandomString(32)
		if err := WriteConfig(&bc, bc.ConfigPath); err != nil {
			return nil, err
		}
	}
	return &bc, nil
}

// WriteConfig 写入配置文件
func WriteConfig(bc *Bootstrap, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(bc); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
