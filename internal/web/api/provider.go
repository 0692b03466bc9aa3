package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/gowvp/astra/internal/conf"
	"github.com/gowvp/astra/internal/core/recording"
	"github.com/gowvp/astra/internal/core/recording/store/recordingdb"
	"github.com/gowvp/astra/pkg/ffwork"
	"github.com/ixugo/goddd/pkg/orm"
	"github.com/ixugo/goddd/pkg/web"
	"gorm.io/gorm"
)

var ProviderSet = wire.NewSet(
	wire.Struct(new(Usecase), "*"),
	NewHTTPHandler,
	NewRecordingStore, NewRecordingCore,
	NewSessionAPI, NewRecordingAPI,
	NewLegacyAPI,
)

type Usecase struct {
	Conf         *conf.Bootstrap
	DB           *gorm.DB
	SessionAPI   SessionAPI
	RecordingAPI RecordingAPI
	LegacyAPI    *LegacyAPI
}

// NewHTTPHandler 生成Gin框架路由内容
func NewHTTPHandler(uc *Usecase) http.Handler {
	cfg := uc.Conf.Server
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.New()
	g.NoRoute(func(c *gin.Context) {
		c.JSON(404, "来到了无人的荒漠")
	})
	// 如果启用了 Pprof，设置 Pprof 监控
	if cfg.HTTP.PProf.Enabled {
		web.SetupPProf(g, &cfg.HTTP.PProf.AccessIps)
	}

	setupRouter(g, uc)
	return g
}

// NewRecordingStore 创建录像存储层
func NewRecordingStore(db *gorm.DB) recording.Storer {
	return recordingdb.NewDB(db).AutoMigrate(orm.GetEnabledAutoMigrate())
}

// NewRecordingCore 创建分片合并核心服务
// 返回的 cleanup 终止所有进行中的合并
func NewRecordingCore(store recording.Storer, bc *conf.Bootstrap) (*recording.Core, func()) {
	cfg := &bc.Server.Recording
	core := recording.NewCore(store,
		recording.WithConfig(cfg),
		recording.WithCommand(ffwork.FFmpeg(cfg.FFmpegPath)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	if err := core.Recover(ctx); err != nil {
		slog.Warn("恢复分片列表失败", "err", err)
	}
	// 启动清理协程
	go core.StartCleanupWorker(ctx)

	return core, func() {
		cancel()
		core.Close()
	}
}
