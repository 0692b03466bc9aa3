package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gowvp/astra/pkg/ffwork"
)

var ErrNoValidChunks = errors.New("no valid chunks")

// Combiner 将会话清单中的分片合并为 final_<meetingId>.<ext>
type Combiner interface {
	Combine(ctx context.Context, dir string) (*CombineResult, error)
}

type CombineResult struct {
	OutputPath string   `json:"outputPath"`
	Chunks     int      `json:"chunks"`
	Dropped    []string `json:"dropped,omitempty"`
	Size       int64    `json:"size"`
	Attempts   int      `json:"attempts"`
}

var _ Combiner = LocalCombiner{}

// LocalCombiner 进程内合并
type LocalCombiner struct {
	Launch         ffwork.CommandFunc
	Attempts       int
	Delay          time.Duration
	PreserveChunks bool
	StopGrace      time.Duration
	OnMessage      func(Message)
}

// Combine 校验 → 拼接 → 重命名，整体失败时按 Attempts 重试
// 没有有效分片时不再重试
func (l LocalCombiner) Combine(ctx context.Context, dir string) (*CombineResult, error) {
	m, err := LoadManifest(ManifestPath(dir))
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	attempts := max(l.Attempts, 1)
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
				return nil, errors.Join(err, ctx.Err())
			case <-time.After(l.Delay):
			}
		}
		l.emit(Message{Type: MessageProgress, MeetingID: m.MeetingID, Attempt: i, TotalChunks: len(m.Chunks)})

		var res *CombineResult
		res, err = l.combineOnce(ctx, dir, m)
		if err == nil {
			res.Attempts = i
			l.emit(Message{Type: MessageCombined, MeetingID: m.MeetingID, Attempt: i, TotalChunks: res.Chunks, OutputPath: res.OutputPath, Size: res.Size})
			return res, nil
		}
		slog.Warn("合并失败", "meeting_id", m.MeetingID, "attempt", i, "attempts", attempts, "err", err)
		l.emit(Message{Type: MessageError, MeetingID: m.MeetingID, Attempt: i, Error: err.Error()})
		if errors.Is(err, ErrNoValidChunks) || ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

func (l LocalCombiner) combineOnce(ctx context.Context, dir string, m *Manifest) (*CombineResult, error) {
	var res CombineResult
	valid := make([]string, 0, len(m.Chunks))
	for _, ch := range m.Chunks {
		path := chunkPath(dir, ch)
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			slog.Warn("丢弃无效分片", "meeting_id", m.MeetingID, "chunk", ch.Filename, "err", err)
			res.Dropped = append(res.Dropped, ch.Filename)
			continue
		}
		valid = append(valid, path)
	}
	if len(valid) == 0 {
		return nil, ErrNoValidChunks
	}

	ext := strings.TrimPrefix(m.Config.Container, ".")
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(valid[0]), ".")
	}
	listPath := filepath.Join(dir, "concat_list.txt")
	tmp := filepath.Join(dir, fmt.Sprintf("final_%s.tmp.%s", m.MeetingID, ext))
	output := filepath.Join(dir, fmt.Sprintf("final_%s.%s", m.MeetingID, ext))

	if err := ffwork.WriteConcatList(listPath, valid); err != nil {
		return nil, err
	}
	launch := l.Launch
	if launch == nil {
		launch = ffwork.FFmpeg("")
	}
	proc := ffwork.NewProcess("combiner", launch(context.Background(), ffwork.ConcatArgs(listPath, tmp)...))
	if err := proc.Start(); err != nil {
		return nil, err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		grace := l.StopGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		_ = proc.Stop(grace)
		_ = os.Remove(tmp)
		return nil, ctx.Err()
	}
	if err := proc.Err(); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("concat: %w: %s", err, strings.Join(proc.Log(), "; "))
	}
	// 确认临时文件非空后再发布
	fi, err := os.Stat(tmp)
	if err != nil || fi.Size() == 0 {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("concat produced empty output")
	}
	if err := os.Rename(tmp, output); err != nil {
		return nil, err
	}

	_ = os.Remove(listPath)
	if !l.PreserveChunks {
		for _, path := range valid {
			_ = os.Remove(path)
		}
	}
	res.OutputPath = output
	res.Chunks = len(valid)
	res.Size = fi.Size()
	return &res, nil
}

func (l LocalCombiner) emit(msg Message) {
	if l.OnMessage == nil {
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	l.OnMessage(msg)
}

func chunkPath(dir string, ch Chunk) string {
	if ch.Path != "" {
		return ch.Path
	}
	return filepath.Join(dir, chunksDirName, ch.Filename)
}
