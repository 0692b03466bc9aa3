package legacy

import "time"

type MessageType string

const (
	MessageChunkCreated  MessageType = "chunk_created"
	MessageError         MessageType = "error"
	MessageMemoryWarning MessageType = "memory_warning"
	MessageRestarting    MessageType = "restarting"
	MessageStopped       MessageType = "stopped"
	MessageProgress      MessageType = "progress"
	MessageCombined      MessageType = "combined"
)

// Message 录制与合并进程向上层报告的事件
type Message struct {
	Type        MessageType  `json:"type"`
	MeetingID   string       `json:"meetingId"`
	Chunk       *Chunk       `json:"chunk,omitempty"`
	Error       string       `json:"error,omitempty"`
	Memory      *MemoryUsage `json:"memory,omitempty"`
	Attempt     int          `json:"attempt,omitempty"`
	TotalChunks int          `json:"totalChunks,omitempty"`
	OutputPath  string       `json:"outputPath,omitempty"`
	Size        int64        `json:"size,omitempty"`
	At          time.Time    `json:"at"`
}
