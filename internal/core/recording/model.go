package recording

import "github.com/ixugo/goddd/pkg/orm"

// MergeKind 合并类型
type MergeKind string

const (
	MergeKindRolling MergeKind = "rolling"
	MergeKindFinal   MergeKind = "final"
)

// MergeStatus 合并进程状态
type MergeStatus string

const (
	MergeRunning   MergeStatus = "running"
	MergeCompleted MergeStatus = "completed"
	MergeFailed    MergeStatus = "failed"
	MergeStopped   MergeStatus = "stopped"
)

// MergeResult 合并结果，失败时 Error 非空
type MergeResult struct {
	Success         bool        `json:"success"`
	Status          MergeStatus `json:"status"`
	OutputPath      string      `json:"output_path,omitempty"`
	Error           string      `json:"error,omitempty"`
	ChunksProcessed int         `json:"chunks_processed"`
	RecordingID     int64       `json:"recording_id,omitempty"`
}

// Chunk 会话分片，persist_chunks 开启时落库用于重启恢复
type Chunk struct {
	ID         int64    `gorm:"primaryKey" json:"id"`
	MeetingID  string   `gorm:"column:meeting_id;index;notNull;default:''" json:"meeting_id"`
	Filename   string   `gorm:"column:filename;notNull;default:''" json:"filename"`
	Timestamp  int64    `gorm:"column:timestamp;notNull;default:0" json:"timestamp"`
	ChunkIndex int      `gorm:"column:chunk_index;notNull;default:0" json:"chunk_index"`
	Size       int64    `gorm:"column:size;notNull;default:0" json:"size"`
	CreatedAt  orm.Time `gorm:"column:created_at;notNull;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (*Chunk) TableName() string {
	return "recording_chunks"
}

// Recording 最终合并产物
type Recording struct {
	ID        int64    `gorm:"primaryKey" json:"id"`
	MeetingID string   `gorm:"column:meeting_id;index;notNull;default:''" json:"meeting_id"`
	Path      string   `gorm:"column:path;notNull;default:''" json:"path"`         // 文件完整路径
	Size      int64    `gorm:"column:size;notNull;default:0" json:"size"`          // 文件大小（字节）
	Chunks    int      `gorm:"column:chunks;notNull;default:0" json:"chunks"`      // 合并的分片数
	Checksum  string   `gorm:"column:checksum;notNull;default:''" json:"checksum"` // blake3
	StartedAt orm.Time `gorm:"column:started_at;notNull;default:CURRENT_TIMESTAMP" json:"started_at"`
	EndedAt   orm.Time `gorm:"column:ended_at;notNull;default:CURRENT_TIMESTAMP" json:"ended_at"`
	CreatedAt orm.Time `gorm:"column:created_at;notNull;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (*Recording) TableName() string {
	return "recordings"
}
