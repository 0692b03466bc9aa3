package recordingdb

import (
	"context"

	"github.com/gowvp/astra/internal/core/recording"
)

var _ recording.ChunkStorer = Chunk{}

// Chunk Related business namespaces
type Chunk DB

// Add implements recording.ChunkStorer.
func (d Chunk) Add(ctx context.Context, ch *recording.Chunk) error {
	return d.db.WithContext(ctx).Create(ch).Error
}

// FindByMeeting implements recording.ChunkStorer.
func (d Chunk) FindByMeeting(ctx context.Context, meetingID string) ([]*recording.Chunk, error) {
	var out []*recording.Chunk
	err := d.db.WithContext(ctx).Where("meeting_id = ?", meetingID).Order("id ASC").Find(&out).Error
	return out, err
}

// DelByFilenames implements recording.ChunkStorer.
func (d Chunk) DelByFilenames(ctx context.Context, meetingID string, filenames ...string) error {
	if len(filenames) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).
		Where("meeting_id = ? AND filename IN ?", meetingID, filenames).
		Delete(new(recording.Chunk)).Error
}

// DelByMeeting implements recording.ChunkStorer.
func (d Chunk) DelByMeeting(ctx context.Context, meetingID string) error {
	return d.db.WithContext(ctx).Where("meeting_id = ?", meetingID).Delete(new(recording.Chunk)).Error
}

// Meetings implements recording.ChunkStorer.
func (d Chunk) Meetings(ctx context.Context) ([]string, error) {
	var out []string
	err := d.db.WithContext(ctx).Model(new(recording.Chunk)).Distinct("meeting_id").Order("meeting_id").Pluck("meeting_id", &out).Error
	return out, err
}
