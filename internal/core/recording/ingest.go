package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ixugo/goddd/pkg/reason"
)

// IngestChunk 写入分片并按策略触发合并
// 滚动合并在后台执行，调用方不等待结果；最后一个分片同步执行最终合并
func (c *Core) IngestChunk(ctx context.Context, in *IngestChunkInput) (*IngestChunkOutput, error) {
	if err := ValidateMeetingID(in.MeetingID); err != nil {
		return nil, reason.ErrBadRequest.Withf("meetingId[%s] %s", in.MeetingID, err.Error())
	}
	if len(in.ChunkData) == 0 {
		return nil, reason.ErrBadRequest.Withf("meetingId[%s] empty chunk", in.MeetingID)
	}

	dir := c.SessionDir(in.MeetingID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, reason.ErrServer.Withf("mkdir[%s] err[%s]", dir, err.Error())
	}
	ts := in.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	name, ts, err := writeChunk(dir, ts, c.Ext(), in.ChunkData)
	if err != nil {
		return nil, reason.ErrServer.Withf("write chunk err[%s]", err.Error())
	}
	path := filepath.Join(dir, name)

	c.chunks.AddChunk(in.MeetingID, name)
	c.persistChunk(ctx, &Chunk{
		MeetingID:  in.MeetingID,
		Filename:   name,
		Timestamp:  ts,
		ChunkIndex: in.ChunkIndex,
		Size:       int64(len(in.ChunkData)),
	})
	list := c.chunks.GetChunkList(in.MeetingID)
	slog.DebugContext(ctx, "收到分片", "meeting_id", in.MeetingID, "chunk_index", in.ChunkIndex, "file", name, "chunks", len(list))

	out := IngestChunkOutput{
		ChunkFilePath: path,
		ChunkIndex:    in.ChunkIndex,
		IsLastChunk:   in.IsLastChunk,
	}

	if !c.IsRollingMergeEnabled() {
		if in.IsLastChunk {
			slog.InfoContext(ctx, "滚动合并已关闭，保留分片", "meeting_id", in.MeetingID, "chunks", list)
		}
		return &out, nil
	}

	// 最后一个分片直接进入最终合并，最终合并会包含全部分片
	if in.IsLastChunk {
		res, err := c.PerformFinalMerge(ctx, in.MeetingID, dir, list)
		if err != nil {
			slog.ErrorContext(ctx, "最终合并失败", "meeting_id", in.MeetingID, "err", err)
		}
		out.Final = res
		out.Merged = res.Success
		return &out, nil
	}

	if len(list) > 1 && !c.IsMerging(in.MeetingID) {
		out.Merged = c.startBackgroundMerge(in.MeetingID, dir)
	}
	return &out, nil
}

// startBackgroundMerge 后台滚动合并，使用启动时分片列表的最新状态
func (c *Core) startBackgroundMerge(meetingID, dir string) bool {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return false
	}
	c.bg.Add(1)
	c.m.Unlock()

	go func() {
		defer c.bg.Done()
		_, err := c.rollingMerge(context.Background(), meetingID, dir, func() []string {
			return c.chunks.GetChunkList(meetingID)
		})
		if err != nil && !errors.Is(err, ErrMergeStopped) && !errors.Is(err, ErrFinalizing) && !errors.Is(err, ErrClosed) {
			slog.Warn("后台滚动合并失败", "meeting_id", meetingID, "err", err)
		}
	}()
	return true
}

// CleanupMeeting 终止滚动合并并清除会话列表，不删除磁盘文件
func (c *Core) CleanupMeeting(ctx context.Context, meetingID string) {
	c.StopRollingMerge(meetingID)
	c.chunks.CleanupMeeting(meetingID)
	c.persistCleanup(ctx, meetingID)
}

// writeChunk 以时间戳命名写入，文件已存在时时间戳加 1 毫秒
// 从不使用 chunkIndex 命名，页面刷新后计数器归零也不会覆盖旧分片
func writeChunk(dir string, ts int64, ext string, data []byte) (string, int64, error) {
	var mkdirs int
	for range 1000 {
		name := strconv.FormatInt(ts, 10) + "." + ext
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			ts++
			continue
		}
		// 首个分片写入前，空目录可能被清理协程删除
		if errors.Is(err, os.ErrNotExist) && mkdirs < 3 {
			mkdirs++
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", 0, err
			}
			continue
		}
		if err != nil {
			return "", 0, err
		}
		_, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(f.Name())
			return "", 0, err
		}
		return name, ts, nil
	}
	return "", 0, fmt.Errorf("no free chunk name near %d", ts)
}
