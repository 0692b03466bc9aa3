package recording

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gowvp/astra/pkg/ffwork"
	"github.com/ixugo/goddd/pkg/orm"
	"github.com/zeebo/blake3"
)

// PerformFinalMerge 生成最终录像 final_recording_<id>.<ext>
// 先等待进行中的滚动合并，之后以分片列表中的记录为准
// 失败时不删除任何文件，可以再次调用
func (c *Core) PerformFinalMerge(ctx context.Context, meetingID, dir string, chunks []string) (*MergeResult, error) {
	c.m.Lock()
	if _, ok := c.finalizing[meetingID]; ok {
		c.m.Unlock()
		return &MergeResult{Status: MergeFailed, Error: ErrFinalizing.Error()}, ErrFinalizing
	}
	c.finalizing[meetingID] = struct{}{}
	c.m.Unlock()
	defer func() {
		c.m.Lock()
		delete(c.finalizing, meetingID)
		c.m.Unlock()
	}()

	if err := c.waitRollingMerge(ctx, meetingID); err != nil {
		return &MergeResult{Status: MergeFailed, Error: err.Error(), ChunksProcessed: len(chunks)}, err
	}
	if c.chunks.Has(meetingID) {
		chunks = c.chunks.GetChunkList(meetingID)
	}
	if len(chunks) == 0 {
		return &MergeResult{Status: MergeFailed, Error: ErrNoChunks.Error()}, ErrNoChunks
	}

	output := filepath.Join(dir, c.finalName(meetingID))
	rec := newMergeProcess(meetingID, MergeKindFinal, chunks, output)
	c.broker.Publish(rec.event(nil))

	attempts, delay := c.retryPolicy()
	var err error
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				err = errors.Join(err, ctx.Err())
				break
			}
		}
		if err = c.finalAttempt(ctx, dir, chunks, output); err == nil {
			break
		}
		slog.WarnContext(ctx, "最终合并失败", "meeting_id", meetingID, "attempt", i, "attempts", attempts, "err", err)
	}
	if err != nil {
		c.finishMerge(rec, MergeFailed, err)
		return &MergeResult{Status: MergeFailed, Error: err.Error(), ChunksProcessed: len(chunks)}, err
	}

	c.cleanupSession(ctx, meetingID, dir, chunks)

	result := MergeResult{
		Success:         true,
		Status:          MergeCompleted,
		OutputPath:      output,
		ChunksProcessed: len(chunks),
	}
	if r, err := c.saveRecording(ctx, rec, output); err != nil {
		slog.WarnContext(ctx, "保存录像记录失败", "meeting_id", meetingID, "err", err)
	} else if r != nil {
		result.RecordingID = r.ID
	}
	c.finishMerge(rec, MergeCompleted, nil)
	slog.InfoContext(ctx, "最终合并完成", "meeting_id", meetingID, "output", output, "chunks", len(chunks))
	return &result, nil
}

func (c *Core) finalAttempt(ctx context.Context, dir string, chunks []string, output string) error {
	if len(chunks) == 1 {
		src := filepath.Join(dir, chunks[0])
		if err := os.Rename(src, output); err != nil {
			return fmt.Errorf("rename single chunk: %w", err)
		}
		return nil
	}

	listPath := filepath.Join(dir, finalConcatListName)
	if err := ffwork.WriteConcatList(listPath, joinPaths(dir, chunks)); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	proc := ffwork.NewProcess("final-merge", c.launch(context.Background(), ffwork.ConcatArgs(listPath, output)...))
	if err := proc.Start(); err != nil {
		return err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Stop(c.stopGrace())
		_ = os.Remove(output)
		return ctx.Err()
	}
	err := proc.Err()
	if err != nil {
		err = fmt.Errorf("final merge: %w: %s", err, strings.Join(proc.Log(), "; "))
	} else {
		err = verifyOutput(output)
	}
	if err != nil {
		_ = os.Remove(output)
	}
	return err
}

// cleanupSession 删除分片、concat 列表和滚动合并残留，清除会话列表
func (c *Core) cleanupSession(ctx context.Context, meetingID, dir string, chunks []string) {
	merged := c.mergedName()
	for _, name := range chunks {
		if c.conf.PreserveChunks && name != merged {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "删除分片失败", "meeting_id", meetingID, "chunk", name, "err", err)
		}
	}
	for _, name := range []string{concatListName, finalConcatListName, merged, mergedBaseName + ".tmp." + c.Ext()} {
		_ = os.Remove(filepath.Join(dir, name))
	}
	c.chunks.CleanupMeeting(meetingID)
	c.persistCleanup(ctx, meetingID)
}

func (c *Core) saveRecording(ctx context.Context, rec *MergeProcess, output string) (*Recording, error) {
	if c.store == nil {
		return nil, nil
	}
	fi, err := os.Stat(output)
	if err != nil {
		return nil, err
	}
	sum, err := checksum(output)
	if err != nil {
		return nil, err
	}
	return c.AddRecording(ctx, &AddRecordingInput{
		MeetingID: rec.MeetingID,
		Path:      output,
		Size:      fi.Size(),
		Chunks:    len(rec.Chunks),
		Checksum:  sum,
		StartedAt: orm.Time{Time: rec.StartedAt},
		EndedAt:   orm.Now(),
	})
}

// checksum 文件 blake3 摘要
func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
