package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gowvp/astra/pkg/ffwork"
	"github.com/spf13/pflag"
)

var _ Combiner = ProcessCombiner{}

// ProcessCombiner 以独立进程运行 astra-combiner，通过 stdout 的 JSON 行接收消息
type ProcessCombiner struct {
	Path           string
	Args           []string // 放在 --dir 等参数之前
	Env            []string
	FFmpeg         string
	Attempts       int
	Delay          time.Duration
	PreserveChunks bool
	StopGrace      time.Duration
	OnMessage      func(Message)
}

func (p ProcessCombiner) Combine(ctx context.Context, dir string) (*CombineResult, error) {
	args := slices.Clone(p.Args)
	args = append(args, "--dir", dir, "--attempts", strconv.Itoa(max(p.Attempts, 1)), "--retry-delay", p.Delay.String())
	if p.FFmpeg != "" {
		args = append(args, "--ffmpeg", p.FFmpeg)
	}
	if p.PreserveChunks {
		args = append(args, "--preserve-chunks")
	}
	cmd := exec.Command(p.Path, args...)
	cmd.Env = append(os.Environ(), p.Env...)

	var (
		m       sync.Mutex
		result  *CombineResult
		lastErr string
	)
	cmd.Stdout = &jsonLineWriter{fn: func(msg Message) {
		m.Lock()
		switch msg.Type {
		case MessageCombined:
			result = &CombineResult{OutputPath: msg.OutputPath, Chunks: msg.TotalChunks, Size: msg.Size, Attempts: msg.Attempt}
		case MessageError:
			lastErr = msg.Error
		}
		m.Unlock()
		if p.OnMessage != nil {
			p.OnMessage(msg)
		}
	}}

	proc := ffwork.NewProcess("astra-combiner", cmd)
	if err := proc.Start(); err != nil {
		return nil, err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		grace := p.StopGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		_ = proc.Stop(grace)
		return nil, ctx.Err()
	}

	m.Lock()
	defer m.Unlock()
	if err := proc.Err(); err != nil {
		if lastErr == "" {
			lastErr = fmt.Sprint(proc.Log())
		}
		return nil, fmt.Errorf("combiner exited %d: %s", proc.ExitCode(), lastErr)
	}
	if result == nil {
		return nil, errors.New("combiner exited without result")
	}
	return result, nil
}

// jsonLineWriter 按行解码 JSON 消息，无法解析的行忽略
type jsonLineWriter struct {
	fn  func(Message)
	buf []byte
}

func (w *jsonLineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(w.buf[:i])
		w.buf = w.buf[i+1:]
		var msg Message
		if len(line) == 0 || json.Unmarshal(line, &msg) != nil || msg.Type == "" {
			continue
		}
		w.fn(msg)
	}
	return len(b), nil
}

// RunCombinerCLI astra-combiner 入口，返回进程退出码
// launch 为 nil 时使用 --ffmpeg 指定的二进制
func RunCombinerCLI(ctx context.Context, args []string, stdout io.Writer, launch ffwork.CommandFunc) int {
	fs := pflag.NewFlagSet("astra-combiner", pflag.ContinueOnError)
	dir := fs.String("dir", "", "会话目录，包含 metadata.json")
	ffmpeg := fs.String("ffmpeg", "", "ffmpeg 路径，为空从 PATH 查找")
	attempts := fs.Int("attempts", 3, "总尝试次数")
	delay := fs.Duration("retry-delay", 2*time.Second, "重试间隔")
	preserve := fs.Bool("preserve-chunks", false, "合并后保留分片")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	enc := json.NewEncoder(stdout)
	emit := func(msg Message) {
		if msg.At.IsZero() {
			msg.At = time.Now()
		}
		_ = enc.Encode(msg)
	}
	if *dir == "" {
		emit(Message{Type: MessageError, Error: "--dir is required"})
		return 2
	}
	if launch == nil {
		launch = ffwork.FFmpeg(*ffmpeg)
	}

	c := LocalCombiner{
		Launch:         launch,
		Attempts:       *attempts,
		Delay:          *delay,
		PreserveChunks: *preserve,
		OnMessage:      emit,
	}
	if _, err := c.Combine(ctx, *dir); err != nil {
		emit(Message{Type: MessageError, Error: err.Error()})
		return 1
	}
	return 0
}
