package ffwork

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ixugo/goddd/pkg/queue"
)

var (
	// ErrNotTerminated 进程在强杀后仍未在等待时间内退出
	ErrNotTerminated = errors.New("process not terminated")
	// ErrStopped 启动前已被 Stop
	ErrStopped = errors.New("process stopped before start")
)

// CommandFunc 构造外部命令，便于替换 ffmpeg 实现(测试中使用辅助进程)
type CommandFunc func(ctx context.Context, args ...string) *exec.Cmd

// FFmpeg 返回使用指定二进制的 CommandFunc，bin 为空时从 PATH 查找 ffmpeg
func FFmpeg(bin string) CommandFunc {
	if bin == "" {
		bin = "ffmpeg"
	}
	return func(ctx context.Context, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, bin, args...)
	}
}

type (
	// Process 受监管的子进程句柄
	// Done 在进程退出且 stderr 读取完毕后关闭，可作为确定的终止信号
	Process struct {
		Name string

		cmd       *exec.Cmd
		ffmpegLog *queue.CirQueue[string]
		logMu     sync.Mutex
		done      chan struct{}

		m         sync.Mutex
		started   bool
		stopped   bool
		err       error
		startedAt time.Time
		endedAt   time.Time
	}
	Stats struct {
		Name      string
		Pid       int
		StartedAt time.Time
		EndedAt   time.Time
		IsRunning bool
		Stopped   bool
		ExitCode  int
	}
)

// NewProcess 包装一个尚未启动的命令
func NewProcess(name string, cmd *exec.Cmd) *Process {
	p := Process{
		Name:      name,
		cmd:       cmd,
		ffmpegLog: queue.NewCirQueue[string](100),
		done:      make(chan struct{}),
	}
	// 子进程退出后 stderr 仍被孙进程持有时，最多再等 5 秒
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	cmd.Stderr = &lineWriter{p: &p}
	return &p
}

func (p *Process) Start() error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.started {
		return fmt.Errorf("%s already started", p.Name)
	}
	if p.stopped {
		return ErrStopped
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.Name, err)
	}
	p.started = true
	p.startedAt = time.Now()

	go func() {
		err := p.cmd.Wait()
		p.m.Lock()
		p.err = err
		p.endedAt = time.Now()
		p.m.Unlock()
		close(p.done)
	}()
	return nil
}

// Done 进程退出后关闭
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait 等待进程退出，ctx 结束时返回 ctx.Err()，不会终止进程
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err 进程退出错误，非 0 退出码时为 *exec.ExitError
func (p *Process) Err() error {
	p.m.Lock()
	defer p.m.Unlock()
	return p.err
}

// ExitCode 未退出或被信号终止时返回 -1
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stopped 是否由 Stop 主动终止
// 进程自行退出后再调用 Stop 不会改变结果
func (p *Process) Stopped() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.stopped
}

// Stop 先发送中断信号，grace 后仍未退出则强杀
// 强杀后再等待 grace，仍未退出返回 ErrNotTerminated
func (p *Process) Stop(grace time.Duration) error {
	p.m.Lock()
	if !p.started {
		p.stopped = true
		p.m.Unlock()
		return nil
	}
	proc := p.cmd.Process
	p.m.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	// 信号成功送达才算主动终止
	err := proc.Signal(os.Interrupt)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil {
		// windows 不支持 Interrupt，直接强杀
		if err := proc.Kill(); errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	p.markStopped()

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", p.Name, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("%s pid[%d]: %w", p.Name, proc.Pid, ErrNotTerminated)
	}
}

func (p *Process) markStopped() {
	p.m.Lock()
	defer p.m.Unlock()
	p.stopped = true
}

// Log 最近 100 行 stderr 输出
func (p *Process) Log() []string {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	return p.ffmpegLog.Range()
}

func (p *Process) GetStats() Stats {
	p.m.Lock()
	defer p.m.Unlock()
	s := Stats{
		Name:      p.Name,
		StartedAt: p.startedAt,
		EndedAt:   p.endedAt,
		Stopped:   p.stopped,
		ExitCode:  -1,
	}
	if p.cmd.Process != nil {
		s.Pid = p.cmd.Process.Pid
	}
	select {
	case <-p.done:
		if p.cmd.ProcessState != nil {
			s.ExitCode = p.cmd.ProcessState.ExitCode()
		}
	default:
		s.IsRunning = p.started
	}
	return s
}

// lineWriter 按行把 stderr 写入环形队列
// ffmpeg 的警告和错误信息都会输出到 stderr
type lineWriter struct {
	p   *Process
	buf []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.p.logMu.Lock()
	defer w.p.logMu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			w.p.ffmpegLog.Push(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	// 防止无换行的输出无限增长
	if len(w.buf) > 4096 {
		w.p.ffmpegLog.Push(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(b), nil
}
