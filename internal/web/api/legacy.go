package api

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gowvp/astra/internal/conf"
	"github.com/gowvp/astra/internal/core/legacy"
	"github.com/gowvp/astra/internal/core/recording"
	"github.com/gowvp/astra/pkg/ffwork"
	"github.com/ixugo/goddd/pkg/conc"
	"github.com/ixugo/goddd/pkg/queue"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

// LegacyAPI 旧版 worker 录制会话
type LegacyAPI struct {
	conf      *conf.ServerLegacy
	ffmpeg    string
	launch    ffwork.CommandFunc
	sessions  conc.Map[string, *legacySession]
	stopGrace time.Duration
}

type legacySession struct {
	recorder *legacy.Recorder
	m        sync.Mutex
	messages *queue.CirQueue[legacy.Message]
}

func (s *legacySession) push(msg legacy.Message) {
	s.m.Lock()
	defer s.m.Unlock()
	s.messages.Push(msg)
}

func (s *legacySession) recent() []legacy.Message {
	s.m.Lock()
	defer s.m.Unlock()
	return s.messages.Range()
}

// finished 录制循环已结束，可以被新的 Start 替换
func (s *legacySession) finished() bool {
	st := s.recorder.State()
	return st == legacy.StateStopped || st == legacy.StateFailed
}

// NewLegacyAPI 返回的 cleanup 停止全部录制
func NewLegacyAPI(bc *conf.Bootstrap) (*LegacyAPI, func()) {
	api := LegacyAPI{
		conf:      &bc.Server.Legacy,
		ffmpeg:    bc.Server.Recording.FFmpegPath,
		launch:    ffwork.FFmpeg(bc.Server.Recording.FFmpegPath),
		stopGrace: bc.Server.Legacy.StopGrace.Duration(),
	}
	return &api, api.stopAll
}

func registerLegacy(g gin.IRouter, api *LegacyAPI, handler ...gin.HandlerFunc) {
	group := g.Group("/legacy", handler...)
	group.POST("/:meeting_id/start", web.WrapH(api.start))
	group.POST("/:meeting_id/stop", web.WrapH(api.stop))
	group.GET("/:meeting_id/manifest", web.WrapH(api.manifest))
	group.GET("/:meeting_id/messages", web.WrapH(api.messages))
}

// combiner combiner_path 为空时进程内合并
func (a *LegacyAPI) combiner(onMessage func(legacy.Message)) legacy.Combiner {
	retry := a.conf.CombineRetry
	if a.conf.CombinerPath != "" {
		return legacy.ProcessCombiner{
			Path:           a.conf.CombinerPath,
			FFmpeg:         a.ffmpeg,
			Attempts:       retry.Attempts,
			Delay:          retry.Delay.Duration(),
			PreserveChunks: a.conf.PreserveChunks,
			StopGrace:      a.stopGrace,
			OnMessage:      onMessage,
		}
	}
	return legacy.LocalCombiner{
		Launch:         a.launch,
		Attempts:       retry.Attempts,
		Delay:          retry.Delay.Duration(),
		PreserveChunks: a.conf.PreserveChunks,
		StopGrace:      a.stopGrace,
		OnMessage:      onMessage,
	}
}

type legacyStartOutput struct {
	MeetingID string       `json:"meeting_id"`
	Dir       string       `json:"dir"`
	State     legacy.State `json:"state"`
}

func (a *LegacyAPI) start(c *gin.Context, _ *struct{}) (*legacyStartOutput, error) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}

	s := legacySession{messages: queue.NewCirQueue[legacy.Message](100)}
	r, err := legacy.NewRecorder(legacy.NewConfig(a.conf, id),
		legacy.WithCommand(a.launch),
		legacy.WithCombiner(a.combiner(s.push)),
		legacy.WithMessageHandler(s.push),
	)
	if err != nil {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	s.recorder = r

	// 同一会话目录只允许一个 Recorder 写入
	prev, loaded := a.sessions.LoadOrStore(id, &s)
	if loaded {
		if !prev.finished() || !a.sessions.CompareAndSwap(id, prev, &s) {
			return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, legacy.ErrStarted.Error())
		}
	}
	if err := r.Start(context.Background()); err != nil {
		if loaded {
			a.sessions.CompareAndSwap(id, &s, prev)
		} else {
			a.sessions.CompareAndDelete(id, &s)
		}
		if errors.Is(err, legacy.ErrSessionCompleted) || errors.Is(err, legacy.ErrOrphanChunks) {
			return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
		}
		return nil, reason.ErrServer.Withf("meeting_id[%s] %s", id, err.Error())
	}
	return &legacyStartOutput{MeetingID: id, Dir: r.Dir(), State: r.State()}, nil
}

func (a *LegacyAPI) stop(c *gin.Context, _ *struct{}) (*legacy.StopResult, error) {
	id := c.Param("meeting_id")
	s, ok := a.sessions.Load(id)
	if !ok {
		return nil, reason.ErrNotFound.Withf("meeting_id[%s]", id)
	}
	return s.recorder.Stop(c.Request.Context())
}

// manifest 优先读内存中的清单，进程重启后读磁盘
func (a *LegacyAPI) manifest(c *gin.Context, _ *struct{}) (*legacy.Manifest, error) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	if s, ok := a.sessions.Load(id); ok {
		if m := s.recorder.Manifest(); m != nil {
			return m, nil
		}
	}
	m, err := legacy.LoadManifest(legacy.ManifestPath(legacy.NewConfig(a.conf, id).Dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reason.ErrNotFound.Withf("meeting_id[%s]", id)
		}
		return nil, reason.ErrServer.Withf("meeting_id[%s] %s", id, err.Error())
	}
	return m, nil
}

func (a *LegacyAPI) messages(c *gin.Context, _ *struct{}) (gin.H, error) {
	id := c.Param("meeting_id")
	s, ok := a.sessions.Load(id)
	if !ok {
		return nil, reason.ErrNotFound.Withf("meeting_id[%s]", id)
	}
	items := s.recent()
	return gin.H{"items": items, "total": len(items)}, nil
}

func (a *LegacyAPI) stopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	a.sessions.Range(func(id string, s *legacySession) bool {
		if s.recorder.State() != legacy.StateRecording {
			return true
		}
		if _, err := s.recorder.Stop(ctx); err != nil {
			slog.Warn("停止录制失败", "meeting_id", id, "err", err)
		}
		return true
	})
}
