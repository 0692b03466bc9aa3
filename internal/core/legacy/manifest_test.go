package legacy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManifestAppendChunk(t *testing.T) {
	var m Manifest
	for _, n := range []int{3, 1, 2} {
		m.AppendChunk(Chunk{Number: n, Filename: chunkName(n)})
	}
	m.AppendChunk(Chunk{Number: 2, Filename: "replaced"})

	if len(m.Chunks) != 3 {
		t.Fatalf("expect 3 chunks, got %d", len(m.Chunks))
	}
	for i, ch := range m.Chunks {
		if ch.Number != i+1 {
			t.Fatalf("chunks not ordered: %+v", m.Chunks)
		}
	}
	if m.Chunks[1].Filename != "replaced" {
		t.Fatalf("same number should replace, got %s", m.Chunks[1].Filename)
	}
}

func TestManifestSave(t *testing.T) {
	dir := t.TempDir()
	path := ManifestPath(dir)
	now := time.Now()
	m := Manifest{
		MeetingID:       "m1",
		StartTime:       now,
		Status:          StatusRecording,
		RestartAttempts: 2,
		LastRestart:     &now,
	}
	m.AppendChunk(Chunk{Number: 1, Filename: chunkName(1), Size: 10})
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	if exists(path + ".tmp") {
		t.Fatal("temp manifest left behind")
	}

	raw := readFile(t, path)
	for _, key := range []string{`"meetingId"`, `"startTime"`, `"restartAttempts"`, `"lastRestart"`, `"chunks"`, `"memoryUsage"`} {
		if !strings.Contains(raw, key) {
			t.Fatalf("manifest missing %s: %s", key, raw)
		}
	}
	if strings.Contains(raw, `"endTime"`) {
		t.Fatal("endTime should be omitted while recording")
	}

	got, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.MeetingID != "m1" || got.RestartAttempts != 2 || len(got.Chunks) != 1 || got.Chunks[0].Size != 10 {
		t.Fatalf("unexpected manifest %+v", got)
	}
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), manifestName))
	if !os.IsNotExist(err) {
		t.Fatalf("expect not exist, got %v", err)
	}
}
