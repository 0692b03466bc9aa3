package recording

import (
	"slices"
	"strconv"
	"sync"
)

// ChunkStore 每个会话一份按时间戳排序的分片文件名列表
type ChunkStore struct {
	m     sync.Mutex
	lists map[string][]string
}

func NewChunkStore() *ChunkStore {
	return &ChunkStore{lists: make(map[string][]string)}
}

// AddChunk 追加分片并按文件名开头的时间戳升序排序，重复文件名忽略
// 没有数字前缀的文件(滚动合并输出)排在最前
func (s *ChunkStore) AddChunk(meetingID, filename string) {
	s.m.Lock()
	defer s.m.Unlock()
	list := s.lists[meetingID]
	if slices.Contains(list, filename) {
		return
	}
	list = append(list, filename)
	sortChunks(list)
	s.lists[meetingID] = list
}

// GetChunkList 返回列表副本，未知会话返回空列表
func (s *ChunkStore) GetChunkList(meetingID string) []string {
	s.m.Lock()
	defer s.m.Unlock()
	return slices.Clone(s.lists[meetingID])
}

// Has 会话是否存在
func (s *ChunkStore) Has(meetingID string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	_, ok := s.lists[meetingID]
	return ok
}

// CleanupMeeting 删除会话列表，可重复调用
func (s *ChunkStore) CleanupMeeting(meetingID string) {
	s.m.Lock()
	defer s.m.Unlock()
	delete(s.lists, meetingID)
}

// Collapse 用合并输出替换已合并的分片，合并期间新到达的分片保留
func (s *ChunkStore) Collapse(meetingID string, merged []string, output string) []string {
	s.m.Lock()
	defer s.m.Unlock()
	list := s.lists[meetingID]
	out := make([]string, 0, len(list)+1)
	out = append(out, output)
	for _, name := range list {
		if name == output || slices.Contains(merged, name) {
			continue
		}
		out = append(out, name)
	}
	sortChunks(out)
	s.lists[meetingID] = out
	return slices.Clone(out)
}

// Meetings 当前跟踪的会话
func (s *ChunkStore) Meetings() []string {
	s.m.Lock()
	defer s.m.Unlock()
	out := make([]string, 0, len(s.lists))
	for k := range s.lists {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortChunks(list []string) {
	slices.SortStableFunc(list, func(a, b string) int {
		ka, kb := chunkKey(a), chunkKey(b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}

// chunkKey 文件名开头的数字，没有数字前缀返回 -1
func chunkKey(name string) int64 {
	i := 0
	for i < len(name) && name[i] >= '0' && name[i] <= '9' {
		i++
	}
	if i == 0 {
		return -1
	}
	v, err := strconv.ParseInt(name[:i], 10, 64)
	if err != nil {
		return -1
	}
	return v
}

// ChunkTimestamp 分片文件名中的毫秒时间戳，滚动合并输出返回 false
func ChunkTimestamp(name string) (int64, bool) {
	v := chunkKey(name)
	return v, v >= 0
}
