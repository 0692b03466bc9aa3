package api

import (
	"expvar"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ixugo/goddd/pkg/web"
)

var startRuntime = time.Now()

func setupRouter(r *gin.Engine, uc *Usecase) {
	r.Use(
		// 格式化输出到控制台，然后记录到日志
		// 此处不做 recover，底层 http.server 也会 recover，但不会输出方便查看的格式
		gin.CustomRecovery(func(c *gin.Context, err any) {
			slog.ErrorContext(c.Request.Context(), "panic", "err", err, "stack", string(debug.Stack()))
			c.AbortWithStatus(http.StatusInternalServerError)
		}),
		web.Metrics(),
		web.Logger(
			web.IgnoreMethod(http.MethodOptions),
			web.IgnorePrefix("/static"),      // 分片与录像文件
			web.IgnorePrefix("/sessions/ws"), // 长连接
		),
		// 分片请求体为 base64 媒体数据，不记录
		web.LoggerWithBody(web.DefaultBodyLimit,
			web.IgnoreBool(uc.Conf.Server.Debug),
			web.IgnoreMethod(http.MethodOptions),
			web.IgnorePrefix("/sessions"),
			web.IgnorePrefix("/static"),
		),
	)
	go web.CountGoroutines(10*time.Minute, 20)

	r.Use(cors.New(cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{
			"Accept", "Content-Length", "Content-Type", "Range", "Accept-Language",
			"Origin", "Authorization", "Referer", "User-Agent",
			"Accept-Encoding", "Cache-Control", "Pragma", "X-Requested-With",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
		AllowOriginFunc:  originAllowed(uc.Conf.Server.HTTP.AllowOrigins),
	}))

	r.GET("/health", web.WrapH(uc.getHealth))

	auth := web.AuthMiddleware(uc.Conf.Server.HTTP.JwtSecret)
	r.GET("/app/metrics/api", auth, web.WrapH(uc.getMetricsAPI))
	registerSession(r, uc.SessionAPI, auth)
	RegisterRecording(r, uc.RecordingAPI, auth)
	if !uc.Conf.Server.Legacy.Disabled {
		registerLegacy(r, uc.LegacyAPI, auth)
	}
}

// originAllowed 本机来源(含 tauri://localhost)与配置的来源允许跨域
func originAllowed(allow []string) func(string) bool {
	return func(origin string) bool {
		if slices.Contains(allow, origin) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
}

type getHealthOutput struct {
	Version   string    `json:"version"`
	StartAt   time.Time `json:"start_at"`
	GitBranch string    `json:"git_branch"`
	GitHash   string    `json:"git_hash"`
}

func (uc *Usecase) getHealth(_ *gin.Context, _ *struct{}) (getHealthOutput, error) {
	return getHealthOutput{
		Version:   uc.Conf.BuildVersion,
		GitBranch: expvarString("git_branch"),
		GitHash:   expvarString("git_hash"),
		StartAt:   startRuntime,
	}, nil
}

func expvarString(name string) string {
	v := expvar.Get(name)
	if v == nil {
		return ""
	}
	return strings.Trim(v.String(), `"`)
}

type getMetricsAPIOutput struct {
	RealTimeRequests int64  `json:"real_time_requests"` // 实时请求数
	TotalRequests    int64  `json:"total_requests"`     // 总请求数
	TotalResponses   int64  `json:"total_responses"`    // 总响应数
	RequestTop10     []KV   `json:"request_top10"`      // 请求TOP10
	StatusCodeTop10  []KV   `json:"status_code_top10"`  // 状态码TOP10
	Goroutines       any    `json:"goroutines"`         // 协程数量
	NumGC            uint32 `json:"num_gc"`             // gc 次数
	SysAlloc         uint64 `json:"sys_alloc"`          // 内存占用
	StartAt          string `json:"start_at"`           // 运行时间
}

func (uc *Usecase) getMetricsAPI(_ *gin.Context, _ *struct{}) (*getMetricsAPIOutput, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	out := getMetricsAPIOutput{
		RealTimeRequests: expvarInt("request"),
		TotalRequests:    expvarInt("requests"),
		TotalResponses:   expvarInt("responses"),
		RequestTop10:     sortExpvarMap("requestURLs", 10),
		StatusCodeTop10:  sortExpvarMap("statusCodes", 10),
		NumGC:            stats.NumGC,
		SysAlloc:         stats.Sys,
		StartAt:          startRuntime.Format(time.DateTime),
	}
	if g, ok := expvar.Get("goroutine_num").(expvar.Func); ok {
		out.Goroutines = g()
	}
	return &out, nil
}

func expvarInt(name string) int64 {
	if v, ok := expvar.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

type KV struct {
	Key   string
	Value int64
}

func sortExpvarMap(name string, top int) []KV {
	kvs := make([]KV, 0, 8)
	data, ok := expvar.Get(name).(*expvar.Map)
	if !ok {
		return kvs
	}
	data.Do(func(kv expvar.KeyValue) {
		v, ok := kv.Value.(*expvar.Int)
		if !ok {
			return
		}
		kvs = append(kvs, KV{Key: kv.Key, Value: v.Value()})
	})

	sort.Slice(kvs, func(i, j int) bool {
		return kvs[i].Value > kvs[j].Value
	})
	return kvs[:min(top, len(kvs))]
}
