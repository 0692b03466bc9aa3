package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gowvp/astra/internal/conf"
	"github.com/gowvp/astra/internal/core/recording"
	"github.com/grafov/m3u8"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

const (
	msgTypeChunk   = "MEDIA_CHUNK_DATA"
	msgTypeSuccess = "SUCCESS"
	msgTypeError   = "ERROR"
)

// chunkEnvelope 桌面壳发送的分片消息
type chunkEnvelope struct {
	Type    string                     `json:"type"`
	Payload recording.IngestChunkInput `json:"payload"`
}

type responseEnvelope struct {
	Type    string                       `json:"type"`
	Payload *recording.IngestChunkOutput `json:"payload,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

// SessionAPI 会话分片接入
type SessionAPI struct {
	core     *recording.Core
	upgrader *websocket.Upgrader
}

func NewSessionAPI(core *recording.Core, bc *conf.Bootstrap) SessionAPI {
	allowed := originAllowed(bc.Server.HTTP.AllowOrigins)
	return SessionAPI{
		core: core,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			// 非浏览器客户端不带 Origin
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed(origin)
			},
		},
	}
}

func registerSession(g gin.IRouter, api SessionAPI, handler ...gin.HandlerFunc) {
	group := g.Group("/sessions", handler...)
	group.GET("/ws", api.serveWS)
	group.POST("/:meeting_id/chunks", api.postChunk)
	group.GET("/:meeting_id/chunks", web.WrapH(api.getChunks))
	group.POST("/:meeting_id/merge", web.WrapH(api.merge))
	group.POST("/:meeting_id/finalize", web.WrapH(api.finalize))
	group.DELETE("/:meeting_id", web.WrapH(api.cleanup))
	group.GET("/:meeting_id/events", api.events)
	group.GET("/:meeting_id/index.m3u8", api.playlist)

	// 未合并的分片，供 index.m3u8 引用
	g.Group("/static", handler...).Static("/sessions", api.core.SessionDir(""))
}

// handleEnvelope 引擎错误转为 ERROR 响应
// 合并不随请求取消，客户端断开后仍会完成
func (a SessionAPI) handleEnvelope(ctx context.Context, env *chunkEnvelope, meetingID string) responseEnvelope {
	if env.Type != msgTypeChunk {
		return responseEnvelope{Type: msgTypeError, Error: fmt.Sprintf("unsupported message type %q", env.Type)}
	}
	if meetingID != "" {
		if env.Payload.MeetingID == "" {
			env.Payload.MeetingID = meetingID
		}
		if env.Payload.MeetingID != meetingID {
			return responseEnvelope{Type: msgTypeError, Error: "meetingId does not match path"}
		}
	}
	out, err := a.core.IngestChunk(context.WithoutCancel(ctx), &env.Payload)
	if err != nil {
		slog.WarnContext(ctx, "分片写入失败", "meeting_id", env.Payload.MeetingID, "chunk_index", env.Payload.ChunkIndex, "err", err)
		return responseEnvelope{Type: msgTypeError, Error: err.Error()}
	}
	return responseEnvelope{Type: msgTypeSuccess, Payload: out}
}

func (a SessionAPI) postChunk(c *gin.Context) {
	var env chunkEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, responseEnvelope{Type: msgTypeError, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.handleEnvelope(c.Request.Context(), &env, c.Param("meeting_id")))
}

// serveWS 每条文本消息一个分片，按顺序处理并逐条响应
func (a SessionAPI) serveWS(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read", "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var resp responseEnvelope
		var env chunkEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			resp = responseEnvelope{Type: msgTypeError, Error: err.Error()}
		} else {
			resp = a.handleEnvelope(ctx, &env, "")
		}
		if err := conn.WriteJSON(resp); err != nil {
			slog.Debug("websocket write", "err", err)
			return
		}
	}
}

type getChunksOutput struct {
	MeetingID string                  `json:"meeting_id"`
	Items     []string                `json:"items"`
	Merging   bool                    `json:"merging"`
	Process   *recording.MergeProcess `json:"process,omitempty"`
}

func (a SessionAPI) getChunks(c *gin.Context, _ *struct{}) (*getChunksOutput, error) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	out := getChunksOutput{MeetingID: id, Items: a.core.Chunks().GetChunkList(id)}
	if p, ok := a.core.GetMergeProcess(id); ok {
		out.Merging = true
		out.Process = p
	}
	return &out, nil
}

func (a SessionAPI) sessionChunks(c *gin.Context) (string, []string, error) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		return "", nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	chunks := a.core.Chunks().GetChunkList(id)
	if len(chunks) == 0 {
		return "", nil, reason.ErrNotFound.Withf("meeting_id[%s] %s", id, recording.ErrNoChunks.Error())
	}
	return id, chunks, nil
}

// merge 手动触发滚动合并，等待合并结束
func (a SessionAPI) merge(c *gin.Context, _ *struct{}) (*recording.MergeResult, error) {
	id, chunks, err := a.sessionChunks(c)
	if err != nil {
		return nil, err
	}
	res, err := a.core.PerformRollingMerge(c.Request.Context(), id, a.core.SessionDir(id), chunks)
	if errors.Is(err, recording.ErrFinalizing) {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	// 合并失败由结果体表达
	return res, nil
}

// finalize 最终合并，失败后可重试
func (a SessionAPI) finalize(c *gin.Context, _ *struct{}) (*recording.MergeResult, error) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	res, _ := a.core.PerformFinalMerge(context.WithoutCancel(c.Request.Context()), id, a.core.SessionDir(id), a.core.Chunks().GetChunkList(id))
	return res, nil
}

func (a SessionAPI) cleanup(c *gin.Context, _ *struct{}) (gin.H, error) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		return nil, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error())
	}
	a.core.CleanupMeeting(c.Request.Context(), id)
	return gin.H{"meeting_id": id}, nil
}

// events 以 SSE 推送会话合并事件
func (a SessionAPI) events(c *gin.Context) {
	id := c.Param("meeting_id")
	if err := recording.ValidateMeetingID(id); err != nil {
		web.Fail(c, reason.ErrBadRequest.Withf("meeting_id[%s] %s", id, err.Error()))
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "不支持 SSE"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sendEvent := func(event, data string) {
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	ch, cancel := a.core.Broker().Subscribe(id)
	defer cancel()
	sendEvent("ready", fmt.Sprintf(`{"meeting_id":%q}`, id))

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(e)
			sendEvent("merge", string(b))
		}
	}
}

// playlist 当前未合并分片的 m3u8 播放列表，会话进行中为 EVENT 类型
func (a SessionAPI) playlist(c *gin.Context) {
	id, chunks, err := a.sessionChunks(c)
	if err != nil {
		web.Fail(c, err)
		return
	}
	pl, err := m3u8.NewMediaPlaylist(0, uint(len(chunks)))
	if err != nil {
		web.Fail(c, reason.ErrServer.Withf("playlist err[%s]", err.Error()))
		return
	}
	pl.MediaType = m3u8.EVENT
	// 播放器请求分片时无法携带 header，token 放在 query 中
	var query string
	if token := web.GetToken(c); token != "" {
		query = "?" + url.Values{"token": {token}}.Encode()
	}
	for i, name := range chunks {
		uri := path.Join("/static/sessions", id, name) + query
		_ = pl.Append(uri, chunkDuration(chunks, i), "")
	}
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.Header("Cache-Control", "no-cache")
	c.String(http.StatusOK, pl.String())
}

// chunkDuration 由相邻分片的时间戳估算时长(秒)，无法估算时取 1
func chunkDuration(chunks []string, i int) float64 {
	if i+1 >= len(chunks) {
		return 1
	}
	cur, ok1 := recording.ChunkTimestamp(chunks[i])
	next, ok2 := recording.ChunkTimestamp(chunks[i+1])
	if !ok1 || !ok2 || next <= cur {
		return 1
	}
	return float64(next-cur) / 1000
}
