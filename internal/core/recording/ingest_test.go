package recording

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gowvp/astra/pkg/ffwork/fftest"
)

func TestValidateMeetingID(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../x", "c:d"} {
		if ValidateMeetingID(id) == nil {
			t.Errorf("%q should be invalid", id)
		}
	}
	for _, id := range []string{"m1", "meeting-2024_01", "abc.def"} {
		if err := ValidateMeetingID(id); err != nil {
			t.Errorf("%q: %v", id, err)
		}
	}
}

func TestIngestChunkFilename(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	c.conf.RollingMergeDisabled = true
	ctx := context.Background()

	out, err := c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1", ChunkData: []byte("A"), ChunkIndex: 0, Timestamp: 1700000000000})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(out.ChunkFilePath) != "1700000000000.webm" {
		t.Fatal(out.ChunkFilePath)
	}

	// 页面刷新后 chunkIndex 归零，时间戳相同也不能覆盖
	out2, err := c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1", ChunkData: []byte("B"), ChunkIndex: 0, Timestamp: 1700000000000})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(out2.ChunkFilePath) != "1700000000001.webm" {
		t.Fatal(out2.ChunkFilePath)
	}
	if readFile(t, out.ChunkFilePath) != "A" || readFile(t, out2.ChunkFilePath) != "B" {
		t.Fatal("chunk overwritten")
	}
	expect := []string{"1700000000000.webm", "1700000000001.webm"}
	if got := c.Chunks().GetChunkList("m1"); !reflect.DeepEqual(got, expect) {
		t.Fatal(got)
	}
}

func TestIngestChunkInvalid(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	ctx := context.Background()
	if _, err := c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "../etc", ChunkData: []byte("A")}); err == nil {
		t.Fatal("expect error on invalid meeting id")
	}
	if _, err := c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1"}); err == nil {
		t.Fatal("expect error on empty chunk")
	}
}

func TestIngestRollingMergeDisabled(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	c.conf.RollingMergeDisabled = true
	ctx := context.Background()

	for i, last := range []bool{false, false, true} {
		out, err := c.IngestChunk(ctx, &IngestChunkInput{
			MeetingID:   "m1",
			ChunkData:   []byte{'A' + byte(i)},
			ChunkIndex:  i,
			Timestamp:   int64(1000 * (i + 1)),
			IsLastChunk: last,
		})
		if err != nil {
			t.Fatal(err)
		}
		if out.Merged || out.Final != nil {
			t.Fatalf("%+v", out)
		}
	}
	entries, _ := os.ReadDir(c.SessionDir("m1"))
	if len(entries) != 3 {
		t.Fatalf("expect 3 discrete chunks, got %d", len(entries))
	}
}

func TestIngestSession(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	c.conf.PersistChunks = true
	ctx := context.Background()

	out, err := c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1", ChunkData: []byte("A"), Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if out.Merged {
		t.Fatal("single chunk should not merge")
	}

	out, err = c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1", ChunkData: []byte("B"), ChunkIndex: 1, Timestamp: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Merged {
		t.Fatal("second chunk should trigger rolling merge")
	}
	waitFor(t, 3*time.Second, func() bool {
		return reflect.DeepEqual(c.Chunks().GetChunkList("m1"), []string{"merged_output.webm"})
	})

	out, err = c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1", ChunkData: []byte("C"), ChunkIndex: 2, Timestamp: 3000, IsLastChunk: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Final == nil || !out.Final.Success || !out.Merged || !out.IsLastChunk {
		t.Fatalf("%+v", out)
	}
	if got := readFile(t, out.Final.OutputPath); got != "ABC" {
		t.Fatalf("final %q", got)
	}
	entries, _ := os.ReadDir(c.SessionDir("m1"))
	if len(entries) != 1 {
		t.Fatalf("expect only final recording, got %d entries", len(entries))
	}
	// 分片记录随会话清理
	if rows, _ := c.store.Chunk().FindByMeeting(ctx, "m1"); len(rows) != 0 {
		t.Fatalf("rows %d", len(rows))
	}
}

func TestRecover(t *testing.T) {
	store := newMemStore()
	cfg := testConfig(t)
	cfg.PersistChunks = true
	cfg.RollingMergeDisabled = true
	c := NewCore(store, WithConfig(cfg), WithCommand(fftest.Command(fftest.ModeOK)))
	ctx := context.Background()
	for i := range 3 {
		if _, err := c.IngestChunk(ctx, &IngestChunkInput{MeetingID: "m1", ChunkData: []byte("x"), Timestamp: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}
	// 磁盘上已不存在的分片不恢复
	if err := os.Remove(filepath.Join(c.SessionDir("m1"), "2000.webm")); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c2 := NewCore(store, WithConfig(cfg), WithCommand(fftest.Command(fftest.ModeOK)))
	defer c2.Close()
	if err := c2.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	expect := []string{"1000.webm", "3000.webm"}
	if got := c2.Chunks().GetChunkList("m1"); !reflect.DeepEqual(got, expect) {
		t.Fatal(got)
	}
}

func TestCleanupMeeting(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeHang))
	dir, names := writeChunks(t, c, "m1", "A", "B")
	go func() { _, _ = c.PerformRollingMerge(context.Background(), "m1", dir, names) }()
	waitFor(t, 2*time.Second, func() bool { return c.IsMerging("m1") })

	c.CleanupMeeting(context.Background(), "m1")
	if c.IsMerging("m1") || c.Chunks().Has("m1") {
		t.Fatal("session should be cleaned")
	}
	c.CleanupMeeting(context.Background(), "m1")
}

func TestWriteChunkRecreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "m1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// 模拟清理协程在 MkdirAll 之后删除了空目录
	if err := os.Remove(dir); err != nil {
		t.Fatal(err)
	}
	name, ts, err := writeChunk(dir, 1000, "webm", []byte("A"))
	if err != nil {
		t.Fatal(err)
	}
	if name != "1000.webm" || ts != 1000 {
		t.Fatal(name, ts)
	}
	if got := readFile(t, filepath.Join(dir, name)); got != "A" {
		t.Fatalf("chunk %q", got)
	}
}
