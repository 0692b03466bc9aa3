package recording

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gowvp/astra/pkg/ffwork/fftest"
)

func TestRollingMerge(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	dir, names := writeChunks(t, c, "m1", "A", "B", "C")

	res, err := c.PerformRollingMerge(context.Background(), "m1", dir, names)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Status != MergeCompleted || res.ChunksProcessed != 3 {
		t.Fatalf("%+v", res)
	}
	if got := readFile(t, filepath.Join(dir, "merged_output.webm")); got != "ABC" {
		t.Fatalf("merged %q", got)
	}
	for _, name := range names {
		if exists(filepath.Join(dir, name)) {
			t.Fatalf("%s should be removed", name)
		}
	}
	if exists(filepath.Join(dir, "merged_output.tmp.webm")) {
		t.Fatal("tmp output left behind")
	}
	if got := c.Chunks().GetChunkList("m1"); !reflect.DeepEqual(got, []string{"merged_output.webm"}) {
		t.Fatalf("list %v", got)
	}
	if c.IsMerging("m1") {
		t.Fatal("record should be cleared")
	}

	// 上一次的合并产物作为输入继续合并
	writeMore := func(name, content string) {
		if err := writeFile(filepath.Join(dir, name), content); err != nil {
			t.Fatal(err)
		}
		c.Chunks().AddChunk("m1", name)
	}
	writeMore("9000.webm", "D")
	res, err = c.PerformRollingMerge(context.Background(), "m1", dir, c.Chunks().GetChunkList("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, res.OutputPath); got != "ABCD" {
		t.Fatalf("merged %q", got)
	}
}

func TestRollingMergePreserveChunks(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	c.conf.PreserveChunks = true
	dir, names := writeChunks(t, c, "m1", "A", "B")

	if _, err := c.PerformRollingMerge(context.Background(), "m1", dir, names); err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		if !exists(filepath.Join(dir, name)) {
			t.Fatalf("%s should be kept", name)
		}
	}
}

func TestRollingMergeFailure(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeFail))
	dir, names := writeChunks(t, c, "m1", "A", "B")

	res, err := c.PerformRollingMerge(context.Background(), "m1", dir, names)
	if err == nil {
		t.Fatal("expect error")
	}
	if res.Success || res.Status != MergeFailed || res.Error == "" {
		t.Fatalf("%+v", res)
	}
	// 失败时不修改分片列表和文件
	if got := c.Chunks().GetChunkList("m1"); !reflect.DeepEqual(got, names) {
		t.Fatalf("list %v", got)
	}
	for _, name := range names {
		if !exists(filepath.Join(dir, name)) {
			t.Fatalf("%s should be kept", name)
		}
	}
	if c.IsMerging("m1") {
		t.Fatal("record should be cleared")
	}
}

func TestRollingMergeEmptyOutput(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeEmpty))
	dir, names := writeChunks(t, c, "m1", "A", "B")

	res, err := c.PerformRollingMerge(context.Background(), "m1", dir, names)
	if err != ErrEmptyOutput {
		t.Fatalf("expect ErrEmptyOutput, got %v", err)
	}
	if exists(filepath.Join(dir, "merged_output.webm")) {
		t.Fatal("empty output should not be published")
	}
	if res.Success {
		t.Fatal(res)
	}
}

func TestRollingMergeNoChunks(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	if _, err := c.PerformRollingMerge(context.Background(), "m1", t.TempDir(), nil); err != ErrNoChunks {
		t.Fatal(err)
	}
}

func TestRollingMergeStopsPrevious(t *testing.T) {
	c := newTestCore(t, sequence(fftest.Command(fftest.ModeHang), fftest.Command(fftest.ModeOK)))
	events, cancel := c.Broker().Subscribe("m1")
	defer cancel()
	dir, names := writeChunks(t, c, "m1", "A", "B")

	first := make(chan *MergeResult, 1)
	go func() {
		res, _ := c.PerformRollingMerge(context.Background(), "m1", dir, names)
		first <- res
	}()
	waitFor(t, 2*time.Second, func() bool { return c.IsMerging("m1") })
	p1, _ := c.GetMergeProcess("m1")

	res, err := c.PerformRollingMerge(context.Background(), "m1", dir, names)
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, res.OutputPath); got != "AB" {
		t.Fatalf("merged %q", got)
	}

	select {
	case r := <-first:
		if r.Success {
			t.Fatalf("first merge should not succeed: %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first merge not finished")
	}

	// 旧进程的 stopped 事件先于新进程的 started
	var got []MergeStatus
	var ids []string
	for len(got) < 4 {
		select {
		case e := <-events:
			got = append(got, e.Status)
			ids = append(ids, e.ProcessID)
		case <-time.After(time.Second):
			t.Fatalf("events %v", got)
		}
	}
	expect := []MergeStatus{MergeRunning, MergeStopped, MergeRunning, MergeCompleted}
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("events %v", got)
	}
	if ids[0] != p1.ID || ids[1] != p1.ID || ids[2] == p1.ID {
		t.Fatalf("process ids %v", ids)
	}
}

func TestStopRollingMerge(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeHang))
	dir, names := writeChunks(t, c, "m1", "A", "B")

	done := make(chan error, 1)
	go func() {
		_, err := c.PerformRollingMerge(context.Background(), "m1", dir, names)
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool {
		p, ok := c.GetMergeProcess("m1")
		return ok && p.Status == MergeRunning
	})

	c.StopRollingMerge("m1")
	if c.IsMerging("m1") {
		t.Fatal("record should be cleared")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expect error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("merge not stopped")
	}
	// 不存在的会话
	c.StopRollingMerge("unknown")
}

func TestRollingMergeContextCancel(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeHang))
	dir, names := writeChunks(t, c, "m1", "A", "B")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := c.PerformRollingMerge(ctx, "m1", dir, names)
	if err != ErrMergeStopped {
		t.Fatalf("expect ErrMergeStopped, got %v", err)
	}
	if res.Status != MergeStopped {
		t.Fatal(res)
	}
	if exists(filepath.Join(dir, "merged_output.tmp.webm")) {
		t.Fatal("tmp output left behind")
	}
}

func TestRollingMergeStopAfterExit(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	dir, names := writeChunks(t, c, "m1", "A", "B")

	rec, err := c.startRollingMerge("m1", dir, names)
	if err != nil {
		t.Fatal(err)
	}
	<-rec.proc.Done()

	// ffmpeg 已正常退出，终止请求不应改变结果
	stopped := make(chan struct{})
	go func() {
		c.StopRollingMerge("m1")
		close(stopped)
	}()
	res, err := c.awaitRollingMerge(context.Background(), rec, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Status != MergeCompleted {
		t.Fatalf("%+v", res)
	}
	if got := readFile(t, filepath.Join(dir, "merged_output.webm")); got != "AB" {
		t.Fatalf("merged %q", got)
	}
	if got := c.Chunks().GetChunkList("m1"); !reflect.DeepEqual(got, []string{"merged_output.webm"}) {
		t.Fatalf("list %v", got)
	}
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("StopRollingMerge did not return")
	}
}

func TestRollingMergeRejectedLeavesNoList(t *testing.T) {
	c := newTestCore(t, fftest.Command(fftest.ModeOK))
	dir, names := writeChunks(t, c, "m1", "A")

	c.m.Lock()
	c.finalizing["m1"] = struct{}{}
	c.m.Unlock()

	if _, err := c.startRollingMerge("m1", dir, names); err != ErrFinalizing {
		t.Fatalf("expect ErrFinalizing, got %v", err)
	}
	if exists(filepath.Join(dir, concatListName)) {
		t.Fatal("concat list left behind")
	}
	if c.IsMerging("m1") {
		t.Fatal("rejected merge registered")
	}
}
