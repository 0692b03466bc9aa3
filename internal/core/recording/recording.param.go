package recording

import (
	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/web"
)

type FindRecordingInput struct {
	web.PagerFilter
	MeetingID string `form:"meeting_id"` // 会话 ID
}

type AddRecordingInput struct {
	MeetingID string   `json:"meeting_id"`
	Path      string   `json:"path"`     // 文件完整路径
	Size      int64    `json:"size"`     // 文件大小（字节）
	Chunks    int      `json:"chunks"`   // 合并的分片数
	Checksum  string   `json:"checksum"` // blake3
	StartedAt orm.Time `json:"started_at"`
	EndedAt   orm.Time `json:"ended_at"`
}

// IngestChunkInput 写入一个已编码的媒体分片
type IngestChunkInput struct {
	MeetingID   string `json:"meetingId"`
	ChunkData   []byte `json:"chunkData"` // JSON 中为 base64
	ChunkIndex  int    `json:"chunkIndex"`
	Timestamp   int64  `json:"timestamp"` // 毫秒，文件名由此生成
	IsLastChunk bool   `json:"isLastChunk"`
}

type IngestChunkOutput struct {
	ChunkFilePath string       `json:"chunkFilePath"`
	ChunkIndex    int          `json:"chunkIndex"`
	Merged        bool         `json:"merged"` // 本次是否触发了合并
	IsLastChunk   bool         `json:"isLastChunk"`
	Final         *MergeResult `json:"final,omitempty"`
}
