package legacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gowvp/astra/pkg/ffwork"
)

const chunksDirName = "chunks"

var (
	ErrRestartBudget = errors.New("restart attempts exhausted")
	ErrEmptyChunk    = errors.New("chunk file is empty")
	ErrNotStarted    = errors.New("recorder not started")
	ErrStarted       = errors.New("recorder already started")

	// ErrSessionCompleted 会话已合并完成，不能继续录制
	ErrSessionCompleted = errors.New("session already completed")
	// ErrOrphanChunks chunks 目录有文件但没有清单
	ErrOrphanChunks     = errors.New("chunks exist without manifest")

	errCaptureStopped = errors.New("capture stopped")
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// StopResult 录制结束后的汇总
type StopResult struct {
	MeetingID   string         `json:"meetingId"`
	TotalChunks int            `json:"totalChunks"`
	Status      ManifestStatus `json:"status"`
	OutputPath  string         `json:"outputPath,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type Option func(*Recorder)

// WithCommand 替换采集命令
func WithCommand(fn ffwork.CommandFunc) Option {
	return func(r *Recorder) { r.launch = fn }
}

// WithCombiner 录制结束后交由 c 合并，为 nil 时只保留分片
func WithCombiner(c Combiner) Option {
	return func(r *Recorder) { r.combiner = c }
}

func WithMessageHandler(fn func(Message)) Option {
	return func(r *Recorder) { r.onMessage = fn }
}

func WithMemorySampler(fn func() (MemoryUsage, error)) Option {
	return func(r *Recorder) { r.sample = fn }
}

// Recorder 按固定时长循环采集分片，崩溃后在预算内重启
type Recorder struct {
	conf      Config
	launch    ffwork.CommandFunc
	combiner  Combiner
	onMessage func(Message)
	sample    func() (MemoryUsage, error)

	chunksDir    string
	manifestPath string

	m        sync.Mutex
	state    State
	manifest *Manifest
	result   *StopResult

	// 续录时从已有分片之后编号
	next int

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewRecorder(cfg Config, opts ...Option) (*Recorder, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	r := Recorder{
		conf:         cfg,
		launch:       ffwork.FFmpeg(""),
		sample:       SampleMemory,
		chunksDir:    filepath.Join(cfg.Dir, chunksDirName),
		manifestPath: ManifestPath(cfg.Dir),
		state:        StateIdle,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return &r, nil
}

func (r *Recorder) MeetingID() string {
	return r.conf.MeetingID
}

func (r *Recorder) Dir() string {
	return r.conf.Dir
}

// Start 创建目录与清单后开始采集，ctx 结束等同于 Stop
// 目录中已有未完成的清单时续录，保留原分片并从最大编号之后继续
func (r *Recorder) Start(ctx context.Context) error {
	r.m.Lock()
	defer r.m.Unlock()
	if r.state != StateIdle {
		return ErrStarted
	}
	if err := os.MkdirAll(r.chunksDir, 0o755); err != nil {
		return err
	}
	m, next, err := r.prepareManifest()
	if err != nil {
		return err
	}
	if err := m.Save(r.manifestPath); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	r.manifest = m
	r.next = next
	r.state = StateRecording

	go r.run(ctx)
	go r.watchMemory()
	slog.InfoContext(ctx, "开始分片录制", "meeting_id", r.conf.MeetingID, "dir", r.conf.Dir, "next_chunk", next)
	return nil
}

func (r *Recorder) snapshot() ManifestConfig {
	return ManifestConfig{
		Container:          r.conf.Container,
		CaptureInput:       r.conf.CaptureInput,
		ChunkDuration:      r.conf.ChunkDuration.Milliseconds(),
		ChunkInterval:      r.conf.ChunkInterval.Milliseconds(),
		MaxChunks:          r.conf.MaxChunks,
		AutoRestart:        r.conf.AutoRestart,
		MaxRestartAttempts: r.conf.MaxRestartAttempts,
	}
}

// prepareManifest 新会话返回空清单，未完成的会话返回续录清单
func (r *Recorder) prepareManifest() (*Manifest, int, error) {
	onDisk := maxChunkNumber(r.chunksDir, r.conf.Container)
	old, err := LoadManifest(r.manifestPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("load manifest: %w", err)
		}
		if onDisk > 0 {
			return nil, 0, ErrOrphanChunks
		}
		return &Manifest{
			MeetingID: r.conf.MeetingID,
			StartTime: time.Now(),
			Chunks:    make([]Chunk, 0, 8),
			Status:    StatusRecording,
			Config:    r.snapshot(),
		}, 1, nil
	}
	if old.Status == StatusCompleted {
		return nil, 0, ErrSessionCompleted
	}

	next := onDisk
	for _, ch := range old.Chunks {
		next = max(next, ch.Number)
	}
	old.MeetingID = r.conf.MeetingID
	old.Status = StatusRecording
	old.Config = r.snapshot()
	old.EndTime = nil
	old.Error = ""
	old.OutputPath = ""
	// 手动续录重新计算重启预算
	old.RestartAttempts = 0
	old.LastRestart = nil
	slog.Info("续录已有会话", "meeting_id", r.conf.MeetingID, "chunks", len(old.Chunks), "next_chunk", next+1)
	return old, next + 1, nil
}

// maxChunkNumber chunks 目录中 chunk_NNNN.ext 的最大编号，没有时返回 0
func maxChunkNumber(dir, container string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var n int
	for _, e := range entries {
		var v int
		if _, err := fmt.Sscanf(e.Name(), "chunk_%d."+container, &v); err == nil {
			n = max(n, v)
		}
	}
	return n
}

// Stop 终止当前采集并等待合并交接完成
func (r *Recorder) Stop(ctx context.Context) (*StopResult, error) {
	if r.State() == StateIdle {
		return nil, ErrNotStarted
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.m.Lock()
	if r.state == StateRecording {
		r.state = StateStopping
	}
	r.m.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.Result(), nil
}

// Done 录制循环及合并交接结束后关闭
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) State() State {
	r.m.Lock()
	defer r.m.Unlock()
	return r.state
}

// Manifest 清单副本，未启动时返回 nil
func (r *Recorder) Manifest() *Manifest {
	r.m.Lock()
	defer r.m.Unlock()
	if r.manifest == nil {
		return nil
	}
	m := r.manifest.clone()
	return &m
}

// Result 结束前返回 nil
func (r *Recorder) Result() *StopResult {
	r.m.Lock()
	defer r.m.Unlock()
	if r.result == nil {
		return nil
	}
	out := *r.result
	return &out
}

func (r *Recorder) stopping(ctx context.Context) bool {
	select {
	case <-r.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep 等待 d，期间收到停止返回 false
func (r *Recorder) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !r.stopping(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	var fatal error
	number := r.next
	for {
		if r.conf.MaxChunks > 0 && number > r.conf.MaxChunks {
			break
		}
		if r.stopping(ctx) {
			break
		}

		ch, err := r.captureChunk(ctx, number)
		if err == nil {
			r.addChunk(ch)
			number++
			if !r.sleep(ctx, r.conf.ChunkInterval) {
				break
			}
			continue
		}
		if r.stopping(ctx) {
			break
		}

		slog.Error("分片采集失败", "meeting_id", r.conf.MeetingID, "chunk", number, "err", err)
		r.emit(Message{Type: MessageError, Error: err.Error()})
		if !r.conf.AutoRestart {
			fatal = err
			break
		}
		attempt, ok := r.recordRestart()
		if !ok {
			fatal = fmt.Errorf("%w: %v", ErrRestartBudget, err)
			break
		}
		slog.Warn("重启采集", "meeting_id", r.conf.MeetingID, "attempt", attempt, "max", r.conf.MaxRestartAttempts)
		r.emit(Message{Type: MessageRestarting, Attempt: attempt})
		if !r.sleep(ctx, r.conf.RestartDelay) {
			break
		}
	}
	r.finish(ctx, fatal)
}

// captureChunk 运行一次定长采集，停止时非空的部分分片仍然保留
func (r *Recorder) captureChunk(ctx context.Context, number int) (Chunk, error) {
	filename := fmt.Sprintf("chunk_%04d.%s", number, r.conf.Container)
	path := filepath.Join(r.chunksDir, filename)
	args := ffwork.CaptureArgs(r.conf.CaptureInput, r.conf.ChunkDuration, path)
	proc := ffwork.NewProcess(fmt.Sprintf("capture-%s-%d", r.conf.MeetingID, number), r.launch(context.WithoutCancel(ctx), args...))

	start := time.Now()
	if err := proc.Start(); err != nil {
		if errors.Is(err, ffwork.ErrStopped) {
			return Chunk{}, errCaptureStopped
		}
		return Chunk{}, err
	}

	// 定长采集超过 ChunkDuration + StopGrace 视为卡死
	watchdog := time.NewTimer(r.conf.ChunkDuration + r.conf.StopGrace)
	defer watchdog.Stop()
	select {
	case <-proc.Done():
	case <-r.stopCh:
		_ = proc.Stop(r.conf.StopGrace)
	case <-ctx.Done():
		_ = proc.Stop(r.conf.StopGrace)
	case <-watchdog.C:
		slog.Warn("采集超时，强制结束", "meeting_id", r.conf.MeetingID, "chunk", number)
		_ = proc.Stop(r.conf.StopGrace)
	}
	end := time.Now()

	if !proc.Stopped() {
		if err := proc.Err(); err != nil {
			_ = os.Remove(path)
			return Chunk{}, fmt.Errorf("chunk %d: %w: %s", number, err, strings.Join(proc.Log(), "; "))
		}
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		_ = os.Remove(path)
		if r.stopping(ctx) {
			return Chunk{}, errCaptureStopped
		}
		return Chunk{}, fmt.Errorf("chunk %d: %w", number, ErrEmptyChunk)
	}

	usage, _ := r.sample()
	return Chunk{
		Number:    number,
		Filename:  filename,
		Path:      path,
		StartTime: start,
		EndTime:   end,
		Size:      fi.Size(),
		Duration:  end.Sub(start).Milliseconds(),
		Memory:    usage,
	}, nil
}

func (r *Recorder) addChunk(ch Chunk) {
	r.m.Lock()
	r.manifest.AppendChunk(ch)
	err := r.manifest.Save(r.manifestPath)
	r.m.Unlock()
	if err != nil {
		slog.Error("保存清单失败", "meeting_id", r.conf.MeetingID, "err", err)
	}
	slog.Info("分片完成", "meeting_id", r.conf.MeetingID, "chunk", ch.Filename, "size", ch.Size)
	r.emit(Message{Type: MessageChunkCreated, Chunk: &ch})
}

// recordRestart 预算内累加重启次数，超出返回 false
func (r *Recorder) recordRestart() (int, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.manifest.RestartAttempts >= r.conf.MaxRestartAttempts {
		return r.manifest.RestartAttempts, false
	}
	now := time.Now()
	r.manifest.RestartAttempts++
	r.manifest.LastRestart = &now
	if err := r.manifest.Save(r.manifestPath); err != nil {
		slog.Error("保存清单失败", "meeting_id", r.conf.MeetingID, "err", err)
	}
	return r.manifest.RestartAttempts, true
}

func (r *Recorder) finish(ctx context.Context, fatal error) {
	now := time.Now()
	r.m.Lock()
	r.manifest.EndTime = &now
	total := len(r.manifest.Chunks)
	if fatal != nil {
		r.manifest.Status = StatusFailed
		r.manifest.Error = fatal.Error()
	}
	if err := r.manifest.Save(r.manifestPath); err != nil {
		slog.Error("保存清单失败", "meeting_id", r.conf.MeetingID, "err", err)
	}
	r.m.Unlock()

	if fatal != nil {
		r.setResult(StateFailed, &StopResult{MeetingID: r.conf.MeetingID, TotalChunks: total, Status: StatusFailed, Error: fatal.Error()})
		r.emit(Message{Type: MessageStopped, TotalChunks: total, Error: fatal.Error()})
		return
	}
	r.emit(Message{Type: MessageStopped, TotalChunks: total})

	res := StopResult{MeetingID: r.conf.MeetingID, TotalChunks: total, Status: StatusCompleted}
	state := StateStopped
	if r.combiner != nil && total > 0 {
		out, err := r.combiner.Combine(context.WithoutCancel(ctx), r.conf.Dir)
		if err != nil {
			slog.Error("合并分片失败", "meeting_id", r.conf.MeetingID, "err", err)
			res.Status = StatusFailed
			res.Error = err.Error()
			state = StateFailed
		} else {
			res.OutputPath = out.OutputPath
			r.emit(Message{Type: MessageCombined, TotalChunks: out.Chunks, OutputPath: out.OutputPath, Size: out.Size})
		}
	}

	r.m.Lock()
	r.manifest.Status = res.Status
	r.manifest.Error = res.Error
	r.manifest.OutputPath = res.OutputPath
	if err := r.manifest.Save(r.manifestPath); err != nil {
		slog.Error("保存清单失败", "meeting_id", r.conf.MeetingID, "err", err)
	}
	r.m.Unlock()
	r.setResult(state, &res)
}

func (r *Recorder) setResult(state State, res *StopResult) {
	r.m.Lock()
	r.state = state
	r.result = res
	r.m.Unlock()
}

// watchMemory 堆内存超限时告警并强制回收
func (r *Recorder) watchMemory() {
	ticker := time.NewTicker(r.conf.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
		usage, err := r.sample()
		if err != nil {
			slog.Debug("内存采样失败", "err", err)
		}
		if r.conf.MemoryLimit == 0 || usage.HeapAlloc <= r.conf.MemoryLimit {
			continue
		}
		slog.Warn("内存超限", "meeting_id", r.conf.MeetingID, "heap", usage.HeapAlloc, "limit", r.conf.MemoryLimit)
		r.emit(Message{Type: MessageMemoryWarning, Memory: &usage})
		runtime.GC()
		debug.FreeOSMemory()
	}
}

func (r *Recorder) emit(msg Message) {
	if r.onMessage == nil {
		return
	}
	msg.MeetingID = r.conf.MeetingID
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	r.onMessage(msg)
}
