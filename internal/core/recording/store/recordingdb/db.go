package recordingdb

import (
	"github.com/gowvp/astra/internal/core/recording"
	"gorm.io/gorm"
)

var _ recording.Storer = DB{}

// DB Related business namespaces
type DB struct {
	db *gorm.DB
}

// NewDB instance object
func NewDB(db *gorm.DB) DB {
	return DB{db: db}
}

// Recording Get business instance
func (d DB) Recording() recording.RecordingStorer {
	return Recording(d)
}

// Chunk Get business instance
func (d DB) Chunk() recording.ChunkStorer {
	return Chunk(d)
}

// AutoMigrate sync database
func (d DB) AutoMigrate(ok bool) DB {
	if !ok {
		return d
	}
	if err := d.db.AutoMigrate(
		new(recording.Recording),
		new(recording.Chunk),
	); err != nil {
		panic(err)
	}
	return d
}
