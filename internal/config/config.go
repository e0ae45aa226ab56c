package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Hub     HubConfig
	AI      AIConfig
	Speech  SpeechConfig
	Capture CaptureConfig
	Relay   RelayConfig
	Log     LogConfig
}

// Load 从环境变量与可选的 YAML 配置文件加载配置。环境变量优先。
// path 为空时在当前目录查找 clawstream.yaml，找不到则只使用环境变量。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}
	hub, err := loadHubConfig(v)
	if err != nil {
		return nil, err
	}
	ai, err := loadAIConfig(v)
	if err != nil {
		return nil, err
	}
	speech, err := loadSpeechConfig(v)
	if err != nil {
		return nil, err
	}
	capture, err := loadCaptureConfig(v)
	if err != nil {
		return nil, err
	}
	relay, err := loadRelayConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Hub:     hub,
		AI:      ai,
		Speech:  speech,
		Capture: capture,
		Relay:   relay,
		Log:     loadLogConfig(v),
	}, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clawstream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	// 兼容旧的大小写敏感变量名。
	_ = v.BindEnv("model", "Model", "ARK_MODEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	port := strings.TrimSpace(v.GetString("port"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// HubConfig 描述广播中心的容量与心跳参数。
type HubConfig struct {
	ChatHistoryLimit  int
	SnapshotChatLimit int
	SendQueueSize     int
	MaxMessageSize    int64
	PongWait          time.Duration
	WriteWait         time.Duration
}

// PingPeriod must be shorter than PongWait so the peer has time to answer.
func (c HubConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

func loadHubConfig(v *viper.Viper) (HubConfig, error) {
	history, err := parseIntWithDefault(v, "hub_chat_history", 100)
	if err != nil {
		return HubConfig{}, err
	}
	snapshot, err := parseIntWithDefault(v, "hub_snapshot_chat", 20)
	if err != nil {
		return HubConfig{}, err
	}
	queue, err := parseIntWithDefault(v, "hub_send_queue", 256)
	if err != nil {
		return HubConfig{}, err
	}
	maxSize, err := parseIntWithDefault(v, "hub_max_message_bytes", 64*1024)
	if err != nil {
		return HubConfig{}, err
	}
	pongWait, err := parseDuration(v, "hub_pong_wait", 60*time.Second)
	if err != nil {
		return HubConfig{}, err
	}
	writeWait, err := parseDuration(v, "hub_write_wait", 10*time.Second)
	if err != nil {
		return HubConfig{}, err
	}

	if history < 1 {
		history = 1
	}
	if snapshot < 0 {
		snapshot = 0
	}
	if queue < 1 {
		queue = 1
	}

	return HubConfig{
		ChatHistoryLimit:  history,
		SnapshotChatLimit: snapshot,
		SendQueueSize:     queue,
		MaxMessageSize:    int64(maxSize),
		PongWait:          pongWait,
		WriteWait:         writeWait,
	}, nil
}

// AIConfig 描述画面描述模型相关配置。
type AIConfig struct {
	APIKey          string
	AccessKey       string
	SecretKey       string
	Model           string
	BaseURL         string
	Region          string
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	DescribePersona string
	DescribeTimeout time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(v *viper.Viper) (AIConfig, error) {
	temperature, err := parseOptionalFloat(v, "ark_temperature")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloat(v, "ark_top_p")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalInt(v, "ark_max_tokens")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDuration(v, "describe_timeout", 20*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:          getString(v, "ark_api_key", ""),
		AccessKey:       getString(v, "ark_access_key", ""),
		SecretKey:       getString(v, "ark_secret_key", ""),
		Model:           getString(v, "model", ""),
		BaseURL:         getString(v, "ark_base_url", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:          getString(v, "ark_region", "cn-beijing"),
		Temperature:     temperature,
		TopP:            topP,
		MaxTokens:       maxTokens,
		DescribePersona: getString(v, "describe_persona", "observer"),
		DescribeTimeout: timeout,
	}, nil
}

// SpeechConfig 描述语音识别服务相关配置
type SpeechConfig struct {
	AppID          string
	AccessToken    string
	APIKey         string
	ResourceID     string
	Endpoint       string
	Language       string
	ConcurrentMode bool
	Timeout        time.Duration
	Enabled        bool
}

func loadSpeechConfig(v *viper.Viper) (SpeechConfig, error) {
	timeout, err := parseDuration(v, "speech_timeout", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	concurrent, err := parseBool(v, "speech_concurrent_mode", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := getString(v, "speech_app_id", "")
	apiKey := getString(v, "speech_api_key", "")
	accessToken := getString(v, "speech_access_token", apiKey)

	// 如果没有专门的语音配置，尝试使用AI配置
	if accessToken == "" {
		accessToken = getString(v, "ark_api_key", "")
	}

	return SpeechConfig{
		AppID:          appID,
		AccessToken:    accessToken,
		APIKey:         apiKey,
		ResourceID:     getString(v, "speech_resource_id", ""),
		Endpoint:       getString(v, "speech_endpoint", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"),
		Language:       getString(v, "speech_language", "en-US"),
		ConcurrentMode: concurrent,
		Timeout:        timeout,
		Enabled:        appID != "" && accessToken != "",
	}, nil
}

// CaptureConfig 描述抓帧/抓音频子进程的参数。
type CaptureConfig struct {
	Enabled        bool
	StreamURL      string
	StreamlinkPath string
	FFmpegPath     string
	Quality        string
	FrameInterval  time.Duration
	FrameFormat    string
	AudioChunk     time.Duration
	AttemptTimeout time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	StopGrace      time.Duration
	StopCap        time.Duration
	TempDir        string

	DebounceDelay time.Duration
	MaxBuffer     time.Duration
	DenyList      []string
}

func loadCaptureConfig(v *viper.Viper) (CaptureConfig, error) {
	enabled, err := parseBool(v, "capture_enabled", false)
	if err != nil {
		return CaptureConfig{}, err
	}

	cfg := CaptureConfig{
		Enabled:        enabled,
		StreamURL:      getString(v, "capture_stream_url", ""),
		StreamlinkPath: getString(v, "capture_streamlink_path", "streamlink"),
		FFmpegPath:     getString(v, "capture_ffmpeg_path", "ffmpeg"),
		Quality:        getString(v, "capture_quality", "720p,720p60,best"),
		FrameFormat:    getString(v, "capture_frame_format", "jpeg"),
		TempDir:        getString(v, "capture_temp_dir", ""),
		DenyList:       getList(v, "transcript_deny_list"),
	}
	durations := []durationField{
		{"capture_frame_interval", 10 * time.Second, &cfg.FrameInterval},
		{"capture_audio_chunk", 5 * time.Second, &cfg.AudioChunk},
		{"capture_attempt_timeout", 20 * time.Second, &cfg.AttemptTimeout},
		{"capture_probe_timeout", 15 * time.Second, &cfg.ProbeTimeout},
		{"capture_probe_interval", 60 * time.Second, &cfg.ProbeInterval},
		{"capture_stop_grace", 2 * time.Second, &cfg.StopGrace},
		{"capture_stop_cap", 5 * time.Second, &cfg.StopCap},
		{"transcript_debounce", time.Second, &cfg.DebounceDelay},
		{"transcript_max_buffer", 3 * time.Second, &cfg.MaxBuffer},
	}
	for _, d := range durations {
		val, err := parseDuration(v, d.key, d.def)
		if err != nil {
			return CaptureConfig{}, err
		}
		*d.dst = val
	}
	if cfg.FrameInterval <= 0 {
		return CaptureConfig{}, fmt.Errorf("invalid CAPTURE_FRAME_INTERVAL: must be positive")
	}

	if cfg.Enabled && cfg.StreamURL == "" {
		return CaptureConfig{}, fmt.Errorf("CAPTURE_STREAM_URL is required when capture is enabled")
	}
	if cfg.StopCap < cfg.StopGrace {
		cfg.StopCap = cfg.StopGrace
	}
	return cfg, nil
}

type durationField struct {
	key string
	def time.Duration
	dst *time.Duration
}

// RelayConfig 描述 claw 聊天消息的外部转发目标。
type RelayConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Kinds      []string
}

func loadRelayConfig(v *viper.Viper) (RelayConfig, error) {
	timeout, err := parseDuration(v, "relay_timeout", 5*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}
	kinds := getList(v, "relay_kinds")
	if len(kinds) == 0 {
		kinds = []string{"chat"}
	}
	return RelayConfig{
		WebhookURL: getString(v, "relay_webhook_url", ""),
		Timeout:    timeout,
		Kinds:      kinds,
	}, nil
}

// LogConfig 日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig(v *viper.Viper) LogConfig {
	return LogConfig{
		Level:  getString(v, "log_level", "info"),
		Format: getString(v, "log_format", "console"),
	}
}

func getString(v *viper.Viper, key, defaultValue string) string {
	if value := strings.TrimSpace(v.GetString(key)); value != "" {
		return value
	}
	return defaultValue
}

// getList accepts either a YAML list or a comma separated env value.
func getList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(val, ",")
	case []string:
		raw = val
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(v *viper.Viper, key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", strings.ToUpper(key), raw, err)
	}
	return val, nil
}

func parseOptionalFloat(v *viper.Viper, key string) (*float64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", strings.ToUpper(key), raw, err)
	}
	return &val, nil
}

func parseOptionalInt(v *viper.Viper, key string) (*int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", strings.ToUpper(key), raw, err)
	}
	return &val, nil
}

func parseIntWithDefault(v *viper.Viper, key string, defaultValue int) (int, error) {
	val, err := parseOptionalInt(v, key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

// parseDuration accepts Go duration strings ("1500ms", "2s") or a bare number of milliseconds.
func parseDuration(v *viper.Viper, key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return defaultValue, nil
	}

	if ms, err := strconv.Atoi(raw); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("invalid %s value %q: negative duration", strings.ToUpper(key), raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", strings.ToUpper(key), raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: negative duration", strings.ToUpper(key), raw)
	}
	return val, nil
}
