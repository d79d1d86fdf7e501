package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Polling PollingConfig
	Client  ClientConfig
	Feeder  FeederConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	polling, err := loadPollingConfig()
	if err != nil {
		return nil, err
	}

	client, err := loadClientConfig()
	if err != nil {
		return nil, err
	}

	feeder, err := loadFeederConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Polling: polling, Client: client, Feeder: feeder, Log: logCfg}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("ALLOWED_ORIGINS", []string{"*"})

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// PollingConfig 描述长轮询代理的时间参数。
type PollingConfig struct {
	// WaitBudget 是一次轮询在返回 __timeout__ 之前的最长等待。
	WaitBudget  time.Duration
	SendTimeout time.Duration
	ClientTTL   time.Duration
	// JanitorInterval 是清理空闲客户端的周期。
	JanitorInterval time.Duration
}

func loadPollingConfig() (PollingConfig, error) {
	wait, err := parseDurationMsEnv("POLL_WAIT_MS", 500*time.Millisecond)
	if err != nil {
		return PollingConfig{}, err
	}
	send, err := parseDurationMsEnv("POLL_SEND_TIMEOUT_MS", 30*time.Second)
	if err != nil {
		return PollingConfig{}, err
	}
	ttl, err := parseDurationMsEnv("POLL_CLIENT_TTL_MS", 10*time.Minute)
	if err != nil {
		return PollingConfig{}, err
	}
	janitor, err := parseDurationMsEnv("POLL_JANITOR_INTERVAL_MS", time.Minute)
	if err != nil {
		return PollingConfig{}, err
	}
	return PollingConfig{WaitBudget: wait, SendTimeout: send, ClientTTL: ttl, JanitorInterval: janitor}, nil
}

// ClientConfig 描述嵌入帧一侧的运行参数。
type ClientConfig struct {
	ServerURL        string
	RelayURL         string
	FrameID          string
	Origin           string
	HostOrigin       string
	HandshakeTimeout time.Duration
	RetryDelay       time.Duration
	// WorkflowFile 保存帧内工作流，启动时恢复，退出时写回；为空则不持久化。
	WorkflowFile string
}

// PollEndpoint 返回长轮询地址。
func (c ClientConfig) PollEndpoint() string {
	return strings.TrimRight(c.ServerURL, "/") + "/api/poll"
}

func loadClientConfig() (ClientConfig, error) {
	handshakeTimeout, err := parseDurationMsEnv("CLIENT_HANDSHAKE_TIMEOUT_MS", 2000*time.Millisecond)
	if err != nil {
		return ClientConfig{}, err
	}
	retry, err := parseDurationMsEnv("CLIENT_RETRY_DELAY_MS", 100*time.Millisecond)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		ServerURL:        getEnvOrDefault("CLIENT_SERVER_URL", "http://localhost:8080"),
		RelayURL:         getEnvOrDefault("RELAY_URL", "ws://localhost:8080/ws/frames"),
		FrameID:          getEnvOrDefault("CLIENT_FRAME_ID", "default"),
		Origin:           getEnvOrDefault("CLIENT_ORIGIN", "http://localhost:8188"),
		HostOrigin:       getEnvOrDefault("HOST_ORIGIN", "http://localhost:7860"),
		HandshakeTimeout: handshakeTimeout,
		RetryDelay:       retry,
		WorkflowFile:     strings.TrimSpace(os.Getenv("CLIENT_WORKFLOW_FILE")),
	}, nil
}

// FeederConfig 描述宿主一侧向帧推送身份消息的参数。
type FeederConfig struct {
	Interval     time.Duration
	RelayURL     string
	Origin       string
	ClientOrigin string
	Frames       []string
	WorkflowType string
}

func loadFeederConfig() (FeederConfig, error) {
	interval, err := parseDurationMsEnv("FEEDER_INTERVAL_MS", 200*time.Millisecond)
	if err != nil {
		return FeederConfig{}, err
	}

	return FeederConfig{
		Interval:     interval,
		RelayURL:     getEnvOrDefault("RELAY_URL", "ws://localhost:8080/ws/frames"),
		Origin:       getEnvOrDefault("HOST_ORIGIN", "http://localhost:7860"),
		ClientOrigin: getEnvOrDefault("CLIENT_ORIGIN", "http://localhost:8188"),
		Frames:       parseListEnv("FEEDER_FRAMES", []string{"default"}),
		WorkflowType: getEnvOrDefault("FEEDER_WORKFLOW_TYPE", "postprocess_txt2img"),
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  zerolog.Level
	Pretty bool
}

func loadLogConfig() (LogConfig, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")))
	if err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value: %w", err)
	}
	pretty, err := parseBoolEnv("LOG_PRETTY", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{Level: level, Pretty: pretty}, nil
}

// NewLogger 按配置创建根 logger。
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(c.Level).With().Timestamp().Logger()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationMsEnv 读取以毫秒为单位的时长，必须为正数。
func parseDurationMsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	ms, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if ms == nil {
		return defaultValue, nil
	}
	if *ms <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *ms)
	}
	return time.Duration(*ms) * time.Millisecond, nil
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
