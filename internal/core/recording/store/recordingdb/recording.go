package recordingdb

import (
	"context"

	"github.com/gowvp/astra/internal/core/recording"
	"github.com/ixugo/goddd/pkg/orm"
	"gorm.io/gorm"
)

var _ recording.RecordingStorer = Recording{}

// Recording Related business namespaces
type Recording DB

// Find implements recording.RecordingStorer.
func (d Recording) Find(ctx context.Context, out *[]*recording.Recording, pager orm.Pager, meetingID string) (int64, error) {
	db := d.db.WithContext(ctx).Model(new(recording.Recording))
	if meetingID != "" {
		db = db.Where("meeting_id = ?", meetingID)
	}
	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil || total == 0 {
		return total, err
	}
	err := db.Session(&gorm.Session{}).Order("id DESC").Offset(pager.Offset()).Limit(pager.Limit()).Find(out).Error
	return total, err
}

// Get implements recording.RecordingStorer.
func (d Recording) Get(ctx context.Context, out *recording.Recording, id int64) error {
	return d.db.WithContext(ctx).Where("id = ?", id).First(out).Error
}

// Add implements recording.RecordingStorer.
func (d Recording) Add(ctx context.Context, r *recording.Recording) error {
	return d.db.WithContext(ctx).Create(r).Error
}

// Del implements recording.RecordingStorer.
func (d Recording) Del(ctx context.Context, out *recording.Recording, id int64) error {
	return d.db.WithContext(ctx).Where("id = ?", id).Delete(out).Error
}

// FindBefore implements recording.RecordingStorer.
func (d Recording) FindBefore(ctx context.Context, cutoff orm.Time, limit int) ([]*recording.Recording, error) {
	var out []*recording.Recording
	err := d.db.WithContext(ctx).Where("created_at < ?", cutoff).Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

// FindOldest implements recording.RecordingStorer.
func (d Recording) FindOldest(ctx context.Context, limit int) ([]*recording.Recording, error) {
	var out []*recording.Recording
	err := d.db.WithContext(ctx).Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

// DelByIDs implements recording.RecordingStorer.
func (d Recording) DelByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Where("id IN ?", ids).Delete(new(recording.Recording)).Error
}
