package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowvp/astra/pkg/ffwork"
)

// MergeProcess 一次合并的记录，每个会话同时最多一个滚动合并
type MergeProcess struct {
	ID         string      `json:"id"`
	MeetingID  string      `json:"meeting_id"`
	Kind       MergeKind   `json:"kind"`
	Status     MergeStatus `json:"status"`
	Chunks     []string    `json:"chunks"`
	OutputPath string      `json:"output_path"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at,omitzero"`

	proc *ffwork.Process
	tmp  string
	done chan struct{}
	once sync.Once
}

func newMergeProcess(meetingID string, kind MergeKind, chunks []string, output string) *MergeProcess {
	return &MergeProcess{
		ID:         uuid.NewString(),
		MeetingID:  meetingID,
		Kind:       kind,
		Status:     MergeRunning,
		Chunks:     slices.Clone(chunks),
		OutputPath: output,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Done 记录结束(含收尾)后关闭
func (p *MergeProcess) Done() <-chan struct{} {
	return p.done
}

// IsMerging 会话是否有进行中的滚动合并
func (c *Core) IsMerging(meetingID string) bool {
	c.m.Lock()
	defer c.m.Unlock()
	_, ok := c.merges[meetingID]
	return ok
}

// GetMergeProcess 进行中的滚动合并快照
func (c *Core) GetMergeProcess(meetingID string) (*MergeProcess, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	rec, ok := c.merges[meetingID]
	if !ok {
		return nil, false
	}
	return &MergeProcess{
		ID:         rec.ID,
		MeetingID:  rec.MeetingID,
		Kind:       rec.Kind,
		Status:     rec.Status,
		Chunks:     slices.Clone(rec.Chunks),
		OutputPath: rec.OutputPath,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
	}, true
}

// PerformRollingMerge 将 chunks 合并为 merged_output，先终止该会话上一个滚动合并
// 不重试，下一个分片到达时会再次触发
func (c *Core) PerformRollingMerge(ctx context.Context, meetingID, dir string, chunks []string) (*MergeResult, error) {
	return c.rollingMerge(ctx, meetingID, dir, func() []string { return chunks })
}

// rollingMerge list 在终止上一个合并之后调用，可读取到最新的分片列表
func (c *Core) rollingMerge(ctx context.Context, meetingID, dir string, list func() []string) (*MergeResult, error) {
	lock := c.sessionLock(meetingID)
	lock.Lock()
	c.StopRollingMerge(meetingID)
	chunks := list()
	if len(chunks) == 0 {
		lock.Unlock()
		return &MergeResult{Status: MergeFailed, Error: ErrNoChunks.Error()}, ErrNoChunks
	}
	rec, err := c.startRollingMerge(meetingID, dir, chunks)
	lock.Unlock()
	if err != nil {
		return &MergeResult{Status: MergeFailed, Error: err.Error(), ChunksProcessed: len(chunks)}, err
	}
	return c.awaitRollingMerge(ctx, rec, dir)
}

func (c *Core) startRollingMerge(meetingID, dir string, chunks []string) (*MergeProcess, error) {
	output := filepath.Join(dir, c.mergedName())
	rec := newMergeProcess(meetingID, MergeKindRolling, chunks, output)
	rec.tmp = filepath.Join(dir, mergedBaseName+".tmp."+c.Ext())

	listPath := filepath.Join(dir, concatListName)
	rec.proc = ffwork.NewProcess("rolling-merge", c.launch(context.Background(), ffwork.ConcatArgs(listPath, rec.tmp)...))

	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.finalizing[meetingID]; ok {
		c.m.Unlock()
		return nil, ErrFinalizing
	}
	c.merges[meetingID] = rec
	c.m.Unlock()

	c.broker.Publish(rec.event(nil))
	// 登记后再写列表，被拒绝的合并不留下临时文件
	if err := ffwork.WriteConcatList(listPath, joinPaths(dir, chunks)); err != nil {
		err = fmt.Errorf("write concat list: %w", err)
		c.finishMerge(rec, MergeFailed, err)
		return nil, err
	}
	if err := rec.proc.Start(); err != nil {
		status := MergeFailed
		if errors.Is(err, ffwork.ErrStopped) {
			status = MergeStopped
		}
		c.finishMerge(rec, status, err)
		return nil, err
	}
	slog.Info("滚动合并开始", "meeting_id", meetingID, "process_id", rec.ID, "chunks", len(chunks))
	return rec, nil
}

func (c *Core) awaitRollingMerge(ctx context.Context, rec *MergeProcess, dir string) (*MergeResult, error) {
	select {
	case <-rec.proc.Done():
	case <-ctx.Done():
		if err := rec.proc.Stop(c.stopGrace()); err != nil {
			slog.Warn("终止滚动合并失败", "meeting_id", rec.MeetingID, "err", err)
		}
	}

	result := MergeResult{Status: MergeFailed, ChunksProcessed: len(rec.Chunks)}
	if rec.proc.Stopped() {
		_ = os.Remove(rec.tmp)
		c.finishMerge(rec, MergeStopped, nil)
		result.Status = MergeStopped
		result.Error = ErrMergeStopped.Error()
		return &result, ErrMergeStopped
	}

	err := rec.proc.Err()
	if err != nil {
		err = fmt.Errorf("rolling merge: %w: %s", err, strings.Join(rec.proc.Log(), "; "))
	} else {
		err = verifyOutput(rec.tmp)
	}
	if err == nil {
		err = os.Rename(rec.tmp, rec.OutputPath)
	}
	if err != nil {
		_ = os.Remove(rec.tmp)
		c.finishMerge(rec, MergeFailed, err)
		slog.Error("滚动合并失败", "meeting_id", rec.MeetingID, "process_id", rec.ID, "err", err)
		result.Error = err.Error()
		return &result, err
	}

	output := filepath.Base(rec.OutputPath)
	if !c.conf.PreserveChunks {
		for _, name := range rec.Chunks {
			if name == output {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				slog.Warn("删除已合并分片失败", "meeting_id", rec.MeetingID, "chunk", name, "err", err)
			}
		}
	}
	if c.chunks.Has(rec.MeetingID) {
		c.chunks.Collapse(rec.MeetingID, rec.Chunks, output)
		var size int64
		if fi, err := os.Stat(rec.OutputPath); err == nil {
			size = fi.Size()
		}
		c.persistCollapse(context.Background(), rec.MeetingID, rec.Chunks, output, size)
	}
	c.finishMerge(rec, MergeCompleted, nil)
	slog.Info("滚动合并完成", "meeting_id", rec.MeetingID, "process_id", rec.ID, "chunks", len(rec.Chunks))

	result.Success = true
	result.Status = MergeCompleted
	result.OutputPath = rec.OutputPath
	return &result, nil
}

// StopRollingMerge 终止会话的滚动合并，无论是否成功都清除记录
func (c *Core) StopRollingMerge(meetingID string) {
	c.m.Lock()
	rec, ok := c.merges[meetingID]
	c.m.Unlock()
	if !ok {
		return
	}

	grace := c.stopGrace()
	if err := rec.proc.Stop(grace); err != nil {
		slog.Warn("终止滚动合并失败", "meeting_id", meetingID, "process_id", rec.ID, "err", err)
	}
	select {
	case <-rec.done:
	case <-time.After(2*grace + time.Second):
		slog.Warn("等待滚动合并收尾超时", "meeting_id", meetingID, "process_id", rec.ID)
		c.finishMerge(rec, MergeStopped, nil)
	}

	c.m.Lock()
	if c.merges[meetingID] == rec {
		delete(c.merges, meetingID)
	}
	c.m.Unlock()
}

// waitRollingMerge 等待进行中的滚动合并结束
func (c *Core) waitRollingMerge(ctx context.Context, meetingID string) error {
	c.m.Lock()
	rec, ok := c.merges[meetingID]
	c.m.Unlock()
	if !ok {
		return nil
	}
	slog.InfoContext(ctx, "等待滚动合并结束", "meeting_id", meetingID, "process_id", rec.ID)
	select {
	case <-rec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishMerge 只生效一次，发布事件后关闭 done
func (c *Core) finishMerge(rec *MergeProcess, status MergeStatus, err error) {
	rec.once.Do(func() {
		c.m.Lock()
		rec.Status = status
		rec.EndedAt = time.Now()
		if c.merges[rec.MeetingID] == rec {
			delete(c.merges, rec.MeetingID)
		}
		c.m.Unlock()
		c.broker.Publish(rec.event(err))
		close(rec.done)
	})
}

func (p *MergeProcess) event(err error) MergeEvent {
	e := MergeEvent{
		MeetingID: p.MeetingID,
		ProcessID: p.ID,
		Kind:      p.Kind,
		Status:    p.Status,
		Chunks:    len(p.Chunks),
		At:        time.Now(),
	}
	if p.Status == MergeCompleted {
		e.OutputPath = p.OutputPath
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func joinPaths(dir string, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out
}

func verifyOutput(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("verify output: %w", err)
	}
	if fi.Size() == 0 {
		return ErrEmptyOutput
	}
	return nil
}
