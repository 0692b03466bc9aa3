package data

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/wire"
	"github.com/gowvp/astra/internal/conf"
	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/system"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var ProviderSet = wire.NewSet(SetupDB)

// sqlitePragmas 分片写入与后台合并并发更新录像记录，开启 WAL 并等待锁
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// SetupDB 打开录像与分片元数据库
// 默认使用配置目录下的 sqlite 文件，桌面壳从任意工作目录启动服务都指向同一个库
func SetupDB(bc *conf.Bootstrap) (*gorm.DB, error) {
	cfg := bc.Data.Database
	dial, path, err := dialector(cfg.Dsn, bc.ConfigDir)
	if err != nil {
		return nil, err
	}
	if path != "" {
		// sqlite 单连接，避免 database is locked
		cfg.MaxIdleConns = 1
		cfg.MaxOpenConns = 1
		slog.Info("使用 sqlite", "path", path)
	}
	return orm.New(dial, orm.Config{
		MaxIdleConns:    int(cfg.MaxIdleConns),
		MaxOpenConns:    int(cfg.MaxOpenConns),
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration(),
		SlowThreshold:   cfg.SlowThreshold.Duration(),
	})
}

// dialector sqlite 时返回数据库文件路径
func dialector(dsn, configDir string) (gorm.Dialector, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres"):
		return postgres.New(postgres.Config{DriverName: "pgx", DSN: dsn}), "", nil
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), "", nil
	}

	path, query := sqlitePath(dsn, configDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("mkdir for sqlite[%s]: %w", path, err)
	}
	// dsn 中已指定参数时不覆盖
	if query == "" {
		query = sqlitePragmas
	}
	return sqlite.Open(path + "?" + query), path, nil
}

// sqlitePath 相对路径基于配置目录，配置目录为空时基于工作目录
func sqlitePath(dsn, configDir string) (string, string) {
	if dsn == "" {
		dsn = "data.db"
	}
	file, query, _ := strings.Cut(dsn, "?")
	if filepath.IsAbs(file) {
		return file, query
	}
	base := configDir
	if base == "" {
		base = system.Getwd()
	}
	return filepath.Join(base, file), query
}
