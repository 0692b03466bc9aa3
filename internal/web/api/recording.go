package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gowvp/astra/internal/conf"
	"github.com/gowvp/astra/internal/core/recording"
	"github.com/ixugo/goddd/pkg/reason"
	"github.com/ixugo/goddd/pkg/web"
)

// RecordingAPI 为 http 提供业务方法
type RecordingAPI struct {
	recordingCore *recording.Core
	conf          *conf.Bootstrap
}

func NewRecordingAPI(core *recording.Core, conf *conf.Bootstrap) RecordingAPI {
	return RecordingAPI{recordingCore: core, conf: conf}
}

func RegisterRecording(g gin.IRouter, api RecordingAPI, handler ...gin.HandlerFunc) {
	{
		group := g.Group("/recordings", handler...)
		group.GET("", gzip.Gzip(gzip.DefaultCompression), web.WrapH(api.findRecordings))
		group.GET("/:id", web.WrapH(api.getRecording))
		group.DELETE("/:id", web.WrapH(api.delRecording))
		group.GET("/:id/download", api.downloadRecording)
	}

	// 最终录像位于各会话目录下
	// Gin Static 支持 HTTP Range 请求，实现边下载边播放
	if api.conf != nil && api.conf.Server.Recording.StorageDir != "" {
		slog.Info("注册录像静态文件服务", "path", "/static/recordings", "dir", api.conf.Server.Recording.StorageDir)
		g.Group("/static", handler...).Static("/recordings", api.conf.Server.Recording.StorageDir)
	}
}

// findRecordings 分页查询录像列表
func (a RecordingAPI) findRecordings(c *gin.Context, in *recording.FindRecordingInput) (any, error) {
	items, total, err := a.recordingCore.FindRecordings(c.Request.Context(), in)
	return gin.H{"items": items, "total": total}, err
}

func (a RecordingAPI) getRecording(c *gin.Context, _ *struct{}) (*recording.Recording, error) {
	recordingID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, reason.ErrBadRequest.Withf("id[%s]", c.Param("id"))
	}
	return a.recordingCore.GetRecording(c.Request.Context(), recordingID)
}

func (a RecordingAPI) delRecording(c *gin.Context, _ *struct{}) (*recording.Recording, error) {
	recordingID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, reason.ErrBadRequest.Withf("id[%s]", c.Param("id"))
	}
	return a.recordingCore.DelRecording(c.Request.Context(), recordingID)
}

// downloadRecording 下载录像文件
func (a RecordingAPI) downloadRecording(c *gin.Context) {
	recordingID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 1, "msg": "invalid recording id"})
		return
	}

	rec, err := a.recordingCore.GetRecording(c.Request.Context(), recordingID)
	if err != nil {
		web.Fail(c, err)
		return
	}
	if _, err := os.Stat(rec.Path); os.IsNotExist(err) {
		c.JSON(http.StatusNotFound, gin.H{"code": 1, "msg": "recording file not found"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(rec.Path)))
	c.File(rec.Path)
}
