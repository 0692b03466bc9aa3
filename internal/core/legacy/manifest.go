package legacy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const manifestName = "metadata.json"

type ManifestStatus string

const (
	StatusRecording ManifestStatus = "recording"
	StatusCompleted ManifestStatus = "completed"
	StatusFailed    ManifestStatus = "failed"
)

// Chunk 清单中的分片
type Chunk struct {
	Number    int         `json:"number"`
	Filename  string      `json:"filename"`
	Path      string      `json:"path"`
	StartTime time.Time   `json:"startTime"`
	EndTime   time.Time   `json:"endTime"`
	Size      int64       `json:"size"`
	Duration  int64       `json:"duration"` // 毫秒
	Memory    MemoryUsage `json:"memoryUsage"`
}

// ManifestConfig 录制参数快照
type ManifestConfig struct {
	Container          string   `json:"container"`
	CaptureInput       []string `json:"captureInput"`
	ChunkDuration      int64    `json:"chunkDuration"` // 毫秒
	ChunkInterval      int64    `json:"chunkInterval"`
	MaxChunks          int      `json:"maxChunks"`
	AutoRestart        bool     `json:"autoRestart"`
	MaxRestartAttempts int      `json:"maxRestartAttempts"`
}

// Manifest metadata.json，录制期间只由 Recorder 写入
type Manifest struct {
	MeetingID       string         `json:"meetingId"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	Chunks          []Chunk        `json:"chunks"`
	Status          ManifestStatus `json:"status"`
	Config          ManifestConfig `json:"config"`
	RestartAttempts int            `json:"restartAttempts"`
	LastRestart     *time.Time     `json:"lastRestart,omitempty"`
	Error           string         `json:"error,omitempty"`
	OutputPath      string         `json:"outputPath,omitempty"`
}

// ManifestPath 会话目录下的清单路径
func ManifestPath(dir string) string {
	return filepath.Join(dir, manifestName)
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save 先写临时文件再重命名
func (m *Manifest) Save(path string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AppendChunk 按分片序号插入，同序号覆盖
func (m *Manifest) AppendChunk(ch Chunk) {
	i, found := slices.BinarySearchFunc(m.Chunks, ch.Number, func(c Chunk, n int) int { return c.Number - n })
	if found {
		m.Chunks[i] = ch
		return
	}
	m.Chunks = slices.Insert(m.Chunks, i, ch)
}

func (m *Manifest) clone() Manifest {
	out := *m
	out.Chunks = slices.Clone(m.Chunks)
	return out
}
