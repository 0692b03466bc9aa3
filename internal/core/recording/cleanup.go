package recording

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ixugo/goddd/pkg/orm"
	"github.com/shirou/gopsutil/v4/disk"
)

// StartCleanupWorker 启动定时清理协程，ctx 结束时退出
// 启动时执行一次清理，随后按 CleanupInterval 执行
func (c *Core) StartCleanupWorker(ctx context.Context) {
	if c.store == nil || c.conf.Disabled {
		slog.Info("recording cleanup disabled")
		return
	}
	interval := c.conf.CleanupInterval.Duration()
	if interval <= 0 {
		interval = 60 * time.Minute
	}

	slog.Info("recording cleanup worker started",
		"retain_days", c.conf.RetainDays,
		"disk_threshold", c.conf.DiskUsageThreshold,
		"storage_dir", c.conf.StorageDir,
		"interval", interval,
	)

	c.runCleanup(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCleanup(ctx)
		}
	}
}

// runCleanup 先清理过期录像，再处理磁盘空间，最后删除空的会话目录
func (c *Core) runCleanup(ctx context.Context) {
	c.cleanupExpiredRecordings(ctx)
	c.cleanupByDiskUsage(ctx)
	c.cleanupEmptyDirs()
}

// cleanupExpiredRecordings 清理超过保留天数的录像
func (c *Core) cleanupExpiredRecordings(ctx context.Context) {
	if c.conf.RetainDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -c.conf.RetainDays)

	var deleted, failed int
	var freed int64
	for {
		items, err := c.store.Recording().FindBefore(ctx, orm.Time{Time: cutoff}, 100)
		if err != nil || len(items) == 0 {
			break
		}
		n, f, b := c.deleteRecordings(ctx, items)
		if n == 0 {
			break
		}
		deleted += n
		failed += f
		freed += b
	}

	if deleted > 0 || failed > 0 {
		slog.Info("expired recording cleanup completed",
			"reason", "retention_policy",
			"retain_days", c.conf.RetainDays,
			"cutoff_time", cutoff.Format(time.DateTime),
			"recordings_deleted", deleted,
			"failed_files", failed,
			"freed_bytes", freed,
		)
	}
}

// cleanupByDiskUsage 磁盘使用率超过阈值时删除最旧的录像
func (c *Core) cleanupByDiskUsage(ctx context.Context) {
	if c.conf.DiskUsageThreshold <= 0 || c.conf.DiskUsageThreshold >= 100 {
		return
	}
	if _, err := os.Stat(c.conf.StorageDir); err != nil {
		return
	}

	usage, err := diskUsage(c.conf.StorageDir)
	if err != nil {
		slog.Warn("failed to get disk usage", "err", err)
		return
	}
	initial := usage

	var deleted, failed int
	var freed int64
	for usage >= c.conf.DiskUsageThreshold {
		items, err := c.store.Recording().FindOldest(ctx, 20)
		if err != nil || len(items) == 0 {
			break
		}
		n, f, b := c.deleteRecordings(ctx, items)
		if n == 0 {
			break
		}
		deleted += n
		failed += f
		freed += b

		if usage, err = diskUsage(c.conf.StorageDir); err != nil {
			break
		}
	}

	if deleted > 0 || failed > 0 {
		slog.Info("disk usage cleanup completed",
			"reason", "disk_threshold_exceeded",
			"initial_usage", initial,
			"threshold", c.conf.DiskUsageThreshold,
			"recordings_deleted", deleted,
			"failed_files", failed,
			"freed_bytes", freed,
		)
	}
}

// deleteRecordings 删除文件和数据库记录，返回删除的记录数
func (c *Core) deleteRecordings(ctx context.Context, items []*Recording) (deleted, failed int, freed int64) {
	ids := make([]int64, 0, len(items))
	for _, rec := range items {
		if err := os.Remove(rec.Path); err != nil {
			if !os.IsNotExist(err) {
				failed++
				slog.Warn("删除录像文件失败", "path", rec.Path, "err", err)
				continue
			}
		} else {
			freed += rec.Size
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return 0, failed, freed
	}
	if err := c.store.Recording().DelByIDs(ctx, ids); err != nil {
		slog.Warn("删除录像记录失败", "err", err)
		return 0, failed, freed
	}
	return len(ids), failed, freed
}

// cleanupEmptyDirs 删除存储目录下的空会话目录，跳过仍在跟踪的会话
func (c *Core) cleanupEmptyDirs() {
	entries, err := os.ReadDir(c.conf.StorageDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || c.chunks.Has(entry.Name()) {
			continue
		}
		sub := filepath.Join(c.conf.StorageDir, entry.Name())
		if subEntries, err := os.ReadDir(sub); err == nil && len(subEntries) == 0 {
			_ = os.Remove(sub)
		}
	}
}

// diskUsage 路径所在磁盘的使用率（百分比）
func diskUsage(path string) (float64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}
