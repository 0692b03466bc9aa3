package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gowvp/astra/internal/conf"
	"github.com/gowvp/astra/pkg/ffwork"
)

var (
	ErrNoChunks       = errors.New("no chunks to merge")
	ErrMergeStopped   = errors.New("rolling merge stopped")
	ErrFinalizing     = errors.New("final merge in progress")
	ErrInvalidMeeting = errors.New("invalid meeting id")
	ErrEmptyOutput    = errors.New("merge produced empty output")
	ErrClosed         = errors.New("recording core closed")
)

const (
	concatListName      = "concat_list.txt"
	finalConcatListName = "final_concat_list.txt"
	mergedBaseName      = "merged_output"
)

// Storer data persistence
type Storer interface {
	Chunk() ChunkStorer
	Recording() RecordingStorer
}

// Core business domain
type Core struct {
	store  Storer
	conf   *conf.ServerRecording
	launch ffwork.CommandFunc
	chunks *ChunkStore
	broker *Broker

	m          sync.Mutex
	merges     map[string]*MergeProcess
	finalizing map[string]struct{}
	locks      map[string]*sync.Mutex
	bg         sync.WaitGroup
	closed     bool
}

type Option func(*Core)

// WithConfig 注入录制配置
func WithConfig(conf *conf.ServerRecording) Option {
	return func(c *Core) {
		c.conf = conf
	}
}

// WithCommand 替换 ffmpeg 命令构造
func WithCommand(fn ffwork.CommandFunc) Option {
	return func(c *Core) {
		c.launch = fn
	}
}

// WithBroker 合并事件的发布者
func WithBroker(b *Broker) Option {
	return func(c *Core) {
		c.broker = b
	}
}

// NewCore create business domain
// store 可以为 nil，此时不落库
func NewCore(store Storer, opts ...Option) *Core {
	c := Core{
		store:      store,
		chunks:     NewChunkStore(),
		merges:     make(map[string]*MergeProcess),
		finalizing: make(map[string]struct{}),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.conf == nil {
		cfg := conf.DefaultConfig().Server.Recording
		c.conf = &cfg
	}
	if c.launch == nil {
		c.launch = ffwork.FFmpeg(c.conf.FFmpegPath)
	}
	if c.broker == nil {
		c.broker = NewBroker()
	}
	return &c
}

// Chunks 会话分片列表
func (c *Core) Chunks() *ChunkStore {
	return c.chunks
}

// Broker 合并事件
func (c *Core) Broker() *Broker {
	return c.broker
}

// IsRollingMergeEnabled 使用反转逻辑：RollingMergeDisabled=false 表示启用
func (c *Core) IsRollingMergeEnabled() bool {
	return !c.conf.RollingMergeDisabled
}

// ValidateMeetingID 会话 ID 作为目录名，只允许单层安全路径
func ValidateMeetingID(id string) error {
	if id == "" || len(id) > 128 || id == "." || id == ".." {
		return ErrInvalidMeeting
	}
	if strings.ContainsAny(id, `/\:`) || strings.ContainsRune(id, 0) || filepath.Base(id) != id {
		return ErrInvalidMeeting
	}
	return nil
}

// SessionDir 会话分片目录
func (c *Core) SessionDir(meetingID string) string {
	return filepath.Join(c.conf.StorageDir, meetingID)
}

// Ext 分片扩展名
func (c *Core) Ext() string {
	ext := strings.TrimPrefix(c.conf.Container, ".")
	if ext == "" {
		return "webm"
	}
	return ext
}

func (c *Core) mergedName() string {
	return mergedBaseName + "." + c.Ext()
}

func (c *Core) finalName(meetingID string) string {
	return "final_recording_" + meetingID + "." + c.Ext()
}

func (c *Core) stopGrace() time.Duration {
	if d := c.conf.StopGrace.Duration(); d > 0 {
		return d
	}
	return 3 * time.Second
}

func (c *Core) retryPolicy() (int, time.Duration) {
	attempts := max(c.conf.MergeRetry.Attempts, 1)
	return attempts, c.conf.MergeRetry.Delay.Duration()
}

func (c *Core) sessionLock(meetingID string) *sync.Mutex {
	c.m.Lock()
	defer c.m.Unlock()
	l, ok := c.locks[meetingID]
	if !ok {
		l = new(sync.Mutex)
		c.locks[meetingID] = l
	}
	return l
}

// Recover 从数据库恢复分片列表，仅保留磁盘上仍存在的文件
func (c *Core) Recover(ctx context.Context) error {
	if !c.persistEnabled() {
		return nil
	}
	meetings, err := c.store.Chunk().Meetings(ctx)
	if err != nil {
		return err
	}
	for _, id := range meetings {
		rows, err := c.store.Chunk().FindByMeeting(ctx, id)
		if err != nil {
			return err
		}
		dir := c.SessionDir(id)
		var n int
		for _, row := range rows {
			if _, err := os.Stat(filepath.Join(dir, row.Filename)); err != nil {
				continue
			}
			c.chunks.AddChunk(id, row.Filename)
			n++
		}
		slog.InfoContext(ctx, "恢复会话分片", "meeting_id", id, "chunks", n, "rows", len(rows))
	}
	return nil
}

// Close 停止所有滚动合并并等待后台任务结束
func (c *Core) Close() {
	c.m.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.merges))
	for id := range c.merges {
		ids = append(ids, id)
	}
	c.m.Unlock()

	for _, id := range ids {
		c.StopRollingMerge(id)
	}
	c.bg.Wait()
}

func (c *Core) persistEnabled() bool {
	return c.store != nil && c.conf.PersistChunks
}

func (c *Core) persistChunk(ctx context.Context, ch *Chunk) {
	if !c.persistEnabled() {
		return
	}
	if err := c.store.Chunk().Add(ctx, ch); err != nil {
		slog.WarnContext(ctx, "分片落库失败", "meeting_id", ch.MeetingID, "filename", ch.Filename, "err", err)
	}
}

func (c *Core) persistCollapse(ctx context.Context, meetingID string, merged []string, output string, size int64) {
	if !c.persistEnabled() {
		return
	}
	err := c.store.Chunk().DelByFilenames(ctx, meetingID, append(merged, output)...)
	if err == nil {
		err = c.store.Chunk().Add(ctx, &Chunk{MeetingID: meetingID, Filename: output, Size: size})
	}
	if err != nil {
		slog.WarnContext(ctx, "滚动合并结果落库失败", "meeting_id", meetingID, "err", err)
	}
}

func (c *Core) persistCleanup(ctx context.Context, meetingID string) {
	if !c.persistEnabled() {
		return
	}
	if err := c.store.Chunk().DelByMeeting(ctx, meetingID); err != nil {
		slog.WarnContext(ctx, "删除分片记录失败", "meeting_id", meetingID, "err", err)
	}
}
