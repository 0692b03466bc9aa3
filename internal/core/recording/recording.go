package recording

import (
	"context"
	"log/slog"
	"os"

	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/jinzhu/copier"
)

// RecordingStorer Instantiation interface
type RecordingStorer interface {
	Find(ctx context.Context, out *[]*Recording, pager orm.Pager, meetingID string) (int64, error)
	Get(ctx context.Context, out *Recording, id int64) error
	Add(context.Context, *Recording) error
	Del(ctx context.Context, out *Recording, id int64) error
	// FindBefore 创建时间早于 cutoff 的录像，按时间升序
	FindBefore(ctx context.Context, cutoff orm.Time, limit int) ([]*Recording, error)
	// FindOldest 最旧的录像
	FindOldest(ctx context.Context, limit int) ([]*Recording, error)
	DelByIDs(ctx context.Context, ids []int64) error
}

// ChunkStorer 分片记录
type ChunkStorer interface {
	Add(context.Context, *Chunk) error
	FindByMeeting(ctx context.Context, meetingID string) ([]*Chunk, error)
	DelByFilenames(ctx context.Context, meetingID string, filenames ...string) error
	DelByMeeting(ctx context.Context, meetingID string) error
	// Meetings 有分片记录的会话
	Meetings(ctx context.Context) ([]string, error)
}

// FindRecordings 分页查询录像列表
func (c *Core) FindRecordings(ctx context.Context, in *FindRecordingInput) ([]*Recording, int64, error) {
	if c.store == nil {
		return []*Recording{}, 0, nil
	}
	items := make([]*Recording, 0, in.Limit())
	total, err := c.store.Recording().Find(ctx, &items, in, in.MeetingID)
	if err != nil {
		return nil, 0, reason.ErrDB.Withf(`Find in[%+v] err[%s]`, in, err.Error())
	}
	return items, total, nil
}

// GetRecording Query a single object
func (c *Core) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	if c.store == nil {
		return nil, reason.ErrNotFound.Withf(`Get id[%v] store disabled`, id)
	}
	var out Recording
	if err := c.store.Recording().Get(ctx, &out, id); err != nil {
		if orm.IsErrRecordNotFound(err) {
			return nil, reason.ErrNotFound.Withf(`Get id[%v] err[%s]`, id, err.Error())
		}
		return nil, reason.ErrDB.Withf(`Get id[%v] err[%s]`, id, err.Error())
	}
	return &out, nil
}

// AddRecording Insert into database
func (c *Core) AddRecording(ctx context.Context, in *AddRecordingInput) (*Recording, error) {
	var out Recording
	if err := copier.Copy(&out, in); err != nil {
		slog.ErrorContext(ctx, "Copy", "err", err)
	}
	out.CreatedAt = orm.Now()

	if err := c.store.Recording().Add(ctx, &out); err != nil {
		return nil, reason.ErrDB.Withf(`Add err[%s]`, err.Error())
	}
	return &out, nil
}

// DelRecording 删除录像记录及文件
func (c *Core) DelRecording(ctx context.Context, id int64) (*Recording, error) {
	out, err := c.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.store.Recording().Del(ctx, out, id); err != nil {
		return nil, reason.ErrDB.Withf(`Del id[%v] err[%s]`, id, err.Error())
	}
	if err := os.Remove(out.Path); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "删除录像文件失败", "path", out.Path, "err", err)
	}
	return out, nil
}
