package consts

const (
	EnvPrefix   = "EGGIE_POLL"              // viper 环境变量前缀
	Env         = "EGGIE_POLL_ENV"          // 运行环境，test 表示测试
	Host        = "EGGIE_POLL_HOST"         // 主机名，目前只支持ipv4
	Port        = "EGGIE_POLL_PORT"         // 端口
	Capacity    = "EGGIE_POLL_CAPACITY"     // pollset 容量
	TTL         = "EGGIE_POLL_TTL"          // 空闲超时
	ConfigPath  = "EGGIE_POLL_CONFIG"       // 配置文件目录
	MetricsPush = "EGGIE_POLL_METRICS_PUSH" // push gateway 地址
)
