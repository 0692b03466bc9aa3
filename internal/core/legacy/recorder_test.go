package legacy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gowvp/astra/pkg/ffwork/fftest"
)

func TestRecorderMaxChunks(t *testing.T) {
	cfg := testConfig(t, "m1")
	cfg.MaxChunks = 3
	var msgs collector
	r, err := NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeOK)), WithMessageHandler(msgs.add))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r)

	if r.State() != StateStopped {
		t.Fatalf("expect stopped, got %s", r.State())
	}
	m, err := LoadManifest(ManifestPath(cfg.Dir))
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusCompleted || len(m.Chunks) != 3 || m.EndTime == nil {
		t.Fatalf("unexpected manifest %+v", m)
	}
	for i, ch := range m.Chunks {
		if ch.Number != i+1 || ch.Filename != chunkName(i+1) || ch.Size == 0 {
			t.Fatalf("unexpected chunk %+v", ch)
		}
		if got := readFile(t, ch.Path); got != "capture:"+ch.Path {
			t.Fatalf("unexpected chunk content %q", got)
		}
	}
	if msgs.count(MessageChunkCreated) != 3 || msgs.count(MessageStopped) != 1 {
		t.Fatalf("unexpected messages %v", msgs.types())
	}
	if res := r.Result(); res == nil || res.TotalChunks != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRecorderCombineOnFinish(t *testing.T) {
	cfg := testConfig(t, "m1")
	cfg.MaxChunks = 2
	launch := fftest.Command(fftest.ModeOK)
	r, err := NewRecorder(cfg, WithCommand(launch), WithCombiner(LocalCombiner{Launch: launch}))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r)

	res := r.Result()
	output := filepath.Join(cfg.Dir, "final_m1.mp4")
	if res.Status != StatusCompleted || res.OutputPath != output {
		t.Fatalf("unexpected result %+v", res)
	}
	chunks := filepath.Join(cfg.Dir, chunksDirName)
	want := "capture:" + filepath.Join(chunks, chunkName(1)) + "capture:" + filepath.Join(chunks, chunkName(2))
	if got := readFile(t, output); got != want {
		t.Fatalf("unexpected output %q", got)
	}
	if m := r.Manifest(); m.Status != StatusCompleted || m.OutputPath != output {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestRecorderRestartBudget(t *testing.T) {
	cfg := testConfig(t, "m1")
	cfg.AutoRestart = true
	cfg.MaxRestartAttempts = 3
	counter := filepath.Join(t.TempDir(), "calls")
	var msgs collector
	r, err := NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeFail, fftest.WithCounter(counter))), WithMessageHandler(msgs.add))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r)

	if n := fftest.Calls(counter); n != 4 {
		t.Fatalf("expect 4 spawns, got %d", n)
	}
	if r.State() != StateFailed {
		t.Fatalf("expect failed, got %s", r.State())
	}
	m, err := LoadManifest(ManifestPath(cfg.Dir))
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusFailed || m.RestartAttempts != 3 || m.LastRestart == nil {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if !strings.Contains(m.Error, ErrRestartBudget.Error()) {
		t.Fatalf("unexpected error %q", m.Error)
	}
	if msgs.count(MessageRestarting) != 3 {
		t.Fatalf("expect 3 restarting messages, got %v", msgs.types())
	}

	time.Sleep(100 * time.Millisecond)
	if n := fftest.Calls(counter); n != 4 {
		t.Fatalf("no spawn expected after exhaustion, got %d", n)
	}
}

func TestRecorderNoAutoRestart(t *testing.T) {
	cfg := testConfig(t, "m1")
	counter := filepath.Join(t.TempDir(), "calls")
	r, err := NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeEmpty, fftest.WithCounter(counter))))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r)

	if n := fftest.Calls(counter); n != 1 {
		t.Fatalf("expect 1 spawn, got %d", n)
	}
	res := r.Result()
	if res.Status != StatusFailed || !strings.Contains(res.Error, ErrEmptyChunk.Error()) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRecorderStop(t *testing.T) {
	cfg := testConfig(t, "m1")
	cfg.ChunkDuration = time.Hour
	cfg.StopGrace = 200 * time.Millisecond
	counter := filepath.Join(t.TempDir(), "calls")
	r, err := NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeHang, fftest.WithCounter(counter))))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expect ErrNotStarted, got %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("expect ErrStarted, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fftest.Calls(counter) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := r.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalChunks != 0 || res.Status != StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if r.State() != StateStopped {
		t.Fatalf("expect stopped, got %s", r.State())
	}
	if n := fftest.Calls(counter); n != 1 {
		t.Fatalf("expect 1 spawn, got %d", n)
	}
}

func TestRecorderMemoryGuard(t *testing.T) {
	cfg := testConfig(t, "m1")
	cfg.ChunkDuration = time.Hour
	cfg.StopGrace = 200 * time.Millisecond
	cfg.MemoryLimit = 10
	cfg.MemoryCheckInterval = 10 * time.Millisecond
	var msgs collector
	r, err := NewRecorder(cfg,
		WithCommand(fftest.Command(fftest.ModeHang)),
		WithMessageHandler(msgs.add),
		WithMemorySampler(func() (MemoryUsage, error) { return MemoryUsage{HeapAlloc: 100}, nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for msgs.count(MessageMemoryWarning) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expect memory warning")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRecorderValidate(t *testing.T) {
	if _, err := NewRecorder(Config{}); err == nil {
		t.Fatal("expect error without meeting id")
	}
	r, err := NewRecorder(Config{MeetingID: "m1", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if r.conf.Container != "mp4" || r.conf.ChunkDuration != 30*time.Second || r.State() != StateIdle {
		t.Fatalf("unexpected defaults %+v", r.conf)
	}
}

func TestRecorderResumeKeepsChunks(t *testing.T) {
	cfg := testConfig(t, "m1")
	cfg.MaxChunks = 1
	r, err := NewRecorder(cfg,
		WithCommand(fftest.Command(fftest.ModeOK)),
		WithCombiner(LocalCombiner{Launch: fftest.Command(fftest.ModeFail), Attempts: 1, Delay: time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r)
	if res := r.Result(); res.Status != StatusFailed {
		t.Fatalf("expect failed combine, got %+v", res)
	}

	first := filepath.Join(cfg.Dir, chunksDirName, chunkName(1))
	if err := os.WriteFile(first, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg.MaxChunks = 2
	r, err = NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeOK)))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r)

	if got := readFile(t, first); got != "first" {
		t.Fatalf("chunk 1 overwritten: %q", got)
	}
	m, err := LoadManifest(ManifestPath(cfg.Dir))
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusCompleted || len(m.Chunks) != 2 || m.Chunks[0].Number != 1 || m.Chunks[1].Number != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.Error != "" || m.RestartAttempts != 0 {
		t.Fatalf("stale failure state %+v", m)
	}
}

func TestRecorderStartRefusesFinishedOrOrphan(t *testing.T) {
	dir := writeSession(t, "m1", ptr("A"))
	m, err := LoadManifest(ManifestPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	m.Status = StatusCompleted
	if err := m.Save(ManifestPath(dir)); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, "m1")
	cfg.Dir = dir
	r, err := NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeOK)))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expect ErrSessionCompleted, got %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("expect idle, got %s", r.State())
	}

	if err := os.Remove(ManifestPath(dir)); err != nil {
		t.Fatal(err)
	}
	r, err = NewRecorder(cfg, WithCommand(fftest.Command(fftest.ModeOK)))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrOrphanChunks) {
		t.Fatalf("expect ErrOrphanChunks, got %v", err)
	}
	if got := readFile(t, filepath.Join(dir, chunksDirName, chunkName(1))); got != "A" {
		t.Fatalf("chunk touched: %q", got)
	}
}
