package conf

type Bootstrap struct {
	Server Server `toml:"server"`
	Data   Data   `toml:"data"`
	Log    Log    `toml:"log"`

	BuildVersion string `toml:"-"`
	ConfigDir    string `toml:"-"`
	ConfigPath   string `toml:"-"`
}

type Server struct {
	Debug     bool            `toml:"debug" comment:"调试模式，输出请求体日志"`
	HTTP      ServerHTTP      `toml:"http"`
	Recording ServerRecording `toml:"recording"`
	Legacy    ServerLegacy    `toml:"legacy"`
}

type ServerHTTP struct {
	Host         string      `toml:"host" comment:"监听地址，默认只监听本机"`
	Port         int         `toml:"port" comment:"http 端口"`
	Timeout      Duration    `toml:"timeout" comment:"读写超时"`
	JwtSecret    string      `toml:"jwt_secret" comment:"接口鉴权密钥，为空时启动生成并写回配置"`
	AllowOrigins []string    `toml:"allow_origins" comment:"允许跨域与 websocket 的来源，本机来源始终允许"`
	PProf        ServerPPROF `toml:"pprof"`
}

type ServerPPROF struct {
	Enabled   bool     `toml:"enabled"`
	AccessIps []string `toml:"access_ips" comment:"允许访问 pprof 的 ip"`
}

// RetryPolicy 最终合并与 legacy 合并共用的重试策略
type RetryPolicy struct {
	Attempts int      `toml:"attempts" comment:"总尝试次数，含首次"`
	Delay    Duration `toml:"delay" comment:"两次尝试间隔"`
}

// ServerRecording 分片录制与合并
type ServerRecording struct {
	StorageDir           string      `toml:"storage_dir" comment:"会话分片存储目录"`
	Container            string      `toml:"container" comment:"分片容器格式，决定文件扩展名"`
	FFmpegPath           string      `toml:"ffmpeg_path" comment:"ffmpeg 路径，为空从 PATH 查找"`
	RollingMergeDisabled bool        `toml:"rolling_merge_disabled" comment:"关闭滚动合并后分片保留在磁盘上"`
	PreserveChunks       bool        `toml:"preserve_chunks" comment:"合并成功后保留原始分片"`
	PersistChunks        bool        `toml:"persist_chunks" comment:"分片列表写入数据库，重启后恢复"`
	StopGrace            Duration    `toml:"stop_grace" comment:"终止合并进程时等待优雅退出的时间"`
	MergeRetry           RetryPolicy `toml:"merge_retry"`

	Disabled           bool     `toml:"cleanup_disabled" comment:"关闭录像清理"`
	RetainDays         int      `toml:"retain_days" comment:"最终录像保留天数，0 不清理"`
	DiskUsageThreshold float64  `toml:"disk_usage_threshold" comment:"磁盘使用率超过该值(百分比)时删除最旧录像"`
	CleanupInterval    Duration `toml:"cleanup_interval"`
}

// ServerLegacy 旧版 worker 录制
type ServerLegacy struct {
	Disabled           bool        `toml:"disabled"`
	StorageDir         string      `toml:"storage_dir"`
	CombinerPath       string      `toml:"combiner_path" comment:"astra-combiner 路径，为空在进程内合并"`
	CaptureInput       []string    `toml:"capture_input" comment:"ffmpeg 输入参数，例如 [\"-f\", \"avfoundation\", \"-i\", \"1:0\"]"`
	Container          string      `toml:"container"`
	ChunkDuration      Duration    `toml:"chunk_duration"`
	ChunkInterval      Duration    `toml:"chunk_interval"`
	MaxChunks          int         `toml:"max_chunks" comment:"0 不限制"`
	AutoRestart        bool        `toml:"auto_restart"`
	MaxRestartAttempts int         `toml:"max_restart_attempts"`
	RestartDelay       Duration    `toml:"restart_delay"`
	MemoryLimitMB      int         `toml:"memory_limit_mb"`
	MemoryCheck        Duration    `toml:"memory_check_interval"`
	StopGrace          Duration    `toml:"stop_grace"`
	PreserveChunks     bool        `toml:"preserve_chunks"`
	CombineRetry       RetryPolicy `toml:"combine_retry"`
}

type Data struct {
	Database Database `toml:"database"`
}

type Database struct {
	Dsn             string   `toml:"dsn" comment:"sqlite 文件名(相对配置目录)，或 postgres://、mysql:// 连接串"`
	MaxIdleConns    int32    `toml:"max_idle_conns"`
	MaxOpenConns    int32    `toml:"max_open_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
	SlowThreshold   Duration `toml:"slow_threshold"`
}

type Log struct {
	Dir          string   `toml:"dir" comment:"日志目录"`
	Level        string   `toml:"level" comment:"debug/info/warn/error"`
	MaxAge       Duration `toml:"max_age" comment:"日志保留时间"`
	RotationTime Duration `toml:"rotation_time"`
}
