package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlDegradationConfig struct {
	SampleIntervalSeconds int     `yaml:"sample_interval_seconds"`
	LightOccupancy        float64 `yaml:"light_occupancy"`
	MediumOccupancy       float64 `yaml:"medium_occupancy"`
	HeavyOccupancy        float64 `yaml:"heavy_occupancy"`
	LightQueueDepth       int     `yaml:"light_queue_depth"`
	MediumQueueDepth      int     `yaml:"medium_queue_depth"`
	HeavyQueueDepth       int     `yaml:"heavy_queue_depth"`
	MemoryHigh            float64 `yaml:"memory_high"`
	RejectEveryN          int     `yaml:"reject_every_n"`
	PublishRatePerSecond  float64 `yaml:"publish_rate_per_second"`
	PublishBurst          int     `yaml:"publish_burst"`
}

// YamlConfig defines the structure for unmarshaling the config.yaml file.
type YamlConfig struct {
	NodeID        string          `yaml:"node_id"`
	APIPort       string          `yaml:"api_port"`
	WebSocketPort string          `yaml:"websocket_port"`
	Redis         YamlRedisConfig `yaml:"redis"`

	MaxConnections          int `yaml:"max_connections"`
	ShardCount              int `yaml:"shard_count"`
	SendQueueSize           int `yaml:"send_queue_size"`
	HeartbeatSeconds        int `yaml:"heartbeat_seconds"`
	UnsubscribeGraceSeconds int `yaml:"unsubscribe_grace_seconds"`
	PresenceSeconds         int `yaml:"presence_seconds"`

	Degradation YamlDegradationConfig `yaml:"degradation"`
}

// NewConfigFromYaml converts the raw unmarshaled data into a clean, base
// AppConfig struct. Environment overrides are applied in a second stage.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := Defaults()

	if yamlCfg.NodeID != "" {
		appCfg.NodeID = yamlCfg.NodeID
	}
	if yamlCfg.APIPort != "" {
		appCfg.APIPort = yamlCfg.APIPort
	}
	if yamlCfg.WebSocketPort != "" {
		appCfg.WebSocketPort = yamlCfg.WebSocketPort
	}
	appCfg.RedisAddr = yamlCfg.Redis.Addr
	appCfg.RedisPassword = yamlCfg.Redis.Password
	appCfg.RedisDB = yamlCfg.Redis.DB

	if yamlCfg.MaxConnections > 0 {
		appCfg.MaxConnections = yamlCfg.MaxConnections
	}
	if yamlCfg.ShardCount > 0 {
		appCfg.ShardCount = yamlCfg.ShardCount
	}
	if yamlCfg.SendQueueSize > 0 {
		appCfg.SendQueueSize = yamlCfg.SendQueueSize
	}
	if yamlCfg.HeartbeatSeconds > 0 {
		appCfg.HeartbeatInterval = secs(yamlCfg.HeartbeatSeconds)
	}
	if yamlCfg.UnsubscribeGraceSeconds > 0 {
		appCfg.UnsubscribeGrace = secs(yamlCfg.UnsubscribeGraceSeconds)
	}
	if yamlCfg.PresenceSeconds > 0 {
		appCfg.PresenceInterval = secs(yamlCfg.PresenceSeconds)
	}

	d := yamlCfg.Degradation
	if d.SampleIntervalSeconds > 0 {
		appCfg.Degradation.SampleInterval = secs(d.SampleIntervalSeconds)
	}
	if d.LightOccupancy > 0 {
		appCfg.Degradation.LightOccupancy = d.LightOccupancy
	}
	if d.MediumOccupancy > 0 {
		appCfg.Degradation.MediumOccupancy = d.MediumOccupancy
	}
	if d.HeavyOccupancy > 0 {
		appCfg.Degradation.HeavyOccupancy = d.HeavyOccupancy
	}
	if d.LightQueueDepth > 0 {
		appCfg.Degradation.LightQueueDepth = d.LightQueueDepth
	}
	if d.MediumQueueDepth > 0 {
		appCfg.Degradation.MediumQueueDepth = d.MediumQueueDepth
	}
	if d.HeavyQueueDepth > 0 {
		appCfg.Degradation.HeavyQueueDepth = d.HeavyQueueDepth
	}
	if d.MemoryHigh > 0 {
		appCfg.Degradation.MemoryHigh = d.MemoryHigh
	}
	if d.RejectEveryN > 0 {
		appCfg.Degradation.RejectEveryN = d.RejectEveryN
	}
	if d.PublishRatePerSecond > 0 {
		appCfg.Degradation.PublishRatePerSecond = d.PublishRatePerSecond
	}
	if d.PublishBurst > 0 {
		appCfg.Degradation.PublishBurst = d.PublishBurst
	}

	return appCfg, nil
}
