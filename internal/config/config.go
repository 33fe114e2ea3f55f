package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	FeatureStore FeatureStoreConfig `yaml:"feature_store"`
	Database     DatabaseConfig     `yaml:"database"`
	NATS         NATSConfig         `yaml:"nats"`
	MinIO        MinIOConfig        `yaml:"minio"`
	Vision       VisionConfig       `yaml:"vision"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	ReID         ReIDConfig         `yaml:"reid"`
	EventLog     EventLogConfig     `yaml:"event_log"`
	Sources      []SourceConfig     `yaml:"sources"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	StatusPort int    `yaml:"status_port"`
	APIKey     string `yaml:"api_key"`
}

// FeatureStoreConfig selects the identity feature backend.
type FeatureStoreConfig struct {
	Driver         string        `yaml:"driver"` // sqlite or postgres
	Path           string        `yaml:"path"`
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	IdleThreshold  time.Duration `yaml:"idle_threshold"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// NATSConfig leaves event publishing off when URL is empty and no
// embedded server is requested.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`  // run an in-process server
	StoreDir string `yaml:"store_dir"` // JetStream storage for the embedded server
}

func (c NATSConfig) Enabled() bool { return c.URL != "" || c.Embedded }

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether an archive endpoint is configured.
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != ""
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectorModel      string  `yaml:"detector_model"`
	ExtractorModel     string  `yaml:"extractor_model"`
	PoseModel          string  `yaml:"pose_model"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	EmbeddingDim       int     `yaml:"embedding_dim"`
	DefaultFPS         int     `yaml:"default_fps"`
	FrameWidth         int     `yaml:"frame_width"`
}

type TrackingConfig struct {
	MaxAge         time.Duration `yaml:"max_age"`
	ZoneMaxAge     time.Duration `yaml:"zone_max_age"`
	MaxDisappeared int           `yaml:"max_disappeared"`
	MinIoU         float64       `yaml:"min_iou"`
	HighThresh     float64       `yaml:"high_thresh"`
	LowThresh      float64       `yaml:"low_thresh"`
}

// ReIDConfig holds the identity resolution policy.
type ReIDConfig struct {
	MatchThreshold   float64 `yaml:"match_threshold"`
	ConfidenceFloor  float64 `yaml:"confidence_floor"`
	ConfidenceWeight float64 `yaml:"confidence_weight"`
	QualityMargin    float64 `yaml:"quality_margin"`
	ExpandedROI      bool    `yaml:"expanded_roi"`
	ROIScale         float64 `yaml:"roi_scale"`
	ArchiveSnapshots bool    `yaml:"archive_snapshots"`
}

type EventLogConfig struct {
	Dir           string        `yaml:"dir"`
	FlushSize     int           `yaml:"flush_size"`
	FlushAge      time.Duration `yaml:"flush_age"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxBufferAge  time.Duration `yaml:"max_buffer_age"`
	Cooldown      time.Duration `yaml:"cooldown"`
	Archive       bool          `yaml:"archive"`
}

// SourceConfig describes one camera started at boot.
type SourceConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	ZoneFile string `yaml:"zone_file"`
	FPS      int    `yaml:"fps"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file, applies environment variable overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot start with.
func (c *Config) Validate() error {
	switch c.FeatureStore.Driver {
	case "sqlite":
		if c.FeatureStore.Path == "" {
			return fmt.Errorf("%w: feature_store.path is required for sqlite", ErrInvalid)
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("%w: database.host and database.name are required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown feature_store.driver %q", ErrInvalid, c.FeatureStore.Driver)
	}
	if c.FeatureStore.PoolSize < 1 {
		return fmt.Errorf("%w: feature_store.pool_size must be positive", ErrInvalid)
	}
	if c.ReID.MatchThreshold <= 0 {
		return fmt.Errorf("%w: reid.match_threshold must be positive", ErrInvalid)
	}
	if c.ReID.ConfidenceFloor < 0 || c.ReID.ConfidenceFloor >= 1 {
		return fmt.Errorf("%w: reid.confidence_floor must be in [0, 1)", ErrInvalid)
	}
	if c.ReID.ROIScale < 1 {
		return fmt.Errorf("%w: reid.roi_scale must be at least 1", ErrInvalid)
	}
	if c.Vision.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: vision.embedding_dim must be positive", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("%w: sources[%d] needs id and url", ErrInvalid, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate source id %q", ErrInvalid, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.StatusPort == 0 {
		cfg.Server.StatusPort = 8082
	}
	if cfg.FeatureStore.Driver == "" {
		cfg.FeatureStore.Driver = "sqlite"
	}
	if cfg.FeatureStore.Path == "" && cfg.FeatureStore.Driver == "sqlite" {
		cfg.FeatureStore.Path = "data/person_features.db"
	}
	if cfg.FeatureStore.PoolSize == 0 {
		cfg.FeatureStore.PoolSize = 4
	}
	if cfg.FeatureStore.AcquireTimeout == 0 {
		cfg.FeatureStore.AcquireTimeout = 10 * time.Second
	}
	if cfg.FeatureStore.IdleThreshold == 0 {
		cfg.FeatureStore.IdleThreshold = 72 * time.Hour
	}
	if cfg.FeatureStore.SweepInterval == 0 {
		cfg.FeatureStore.SweepInterval = 10 * time.Minute
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Vision.DetectorModel == "" {
		cfg.Vision.DetectorModel = "yolov8n.onnx"
	}
	if cfg.Vision.ExtractorModel == "" {
		cfg.Vision.ExtractorModel = "reid_mobilenetv2.onnx"
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.6
	}
	if cfg.Vision.EmbeddingDim == 0 {
		cfg.Vision.EmbeddingDim = 1280
	}
	if cfg.Vision.DefaultFPS == 0 {
		cfg.Vision.DefaultFPS = 10
	}
	if cfg.Vision.FrameWidth == 0 {
		cfg.Vision.FrameWidth = 1280
	}
	if cfg.Tracking.MaxAge == 0 {
		cfg.Tracking.MaxAge = 10 * time.Second
	}
	if cfg.Tracking.ZoneMaxAge == 0 {
		cfg.Tracking.ZoneMaxAge = 5 * time.Second
	}
	if cfg.Tracking.MaxDisappeared == 0 {
		cfg.Tracking.MaxDisappeared = 30
	}
	if cfg.Tracking.MinIoU == 0 {
		cfg.Tracking.MinIoU = 0.3
	}
	if cfg.Tracking.HighThresh == 0 {
		cfg.Tracking.HighThresh = 0.6
	}
	if cfg.Tracking.LowThresh == 0 {
		cfg.Tracking.LowThresh = 0.3
	}
	if cfg.ReID.MatchThreshold == 0 {
		cfg.ReID.MatchThreshold = 0.15
	}
	if cfg.ReID.ConfidenceFloor == 0 {
		cfg.ReID.ConfidenceFloor = 0.8
	}
	if cfg.ReID.ConfidenceWeight == 0 {
		cfg.ReID.ConfidenceWeight = 0.5
	}
	if cfg.ReID.QualityMargin == 0 {
		cfg.ReID.QualityMargin = 0.1
	}
	if cfg.ReID.ROIScale == 0 {
		cfg.ReID.ROIScale = 1.3
	}
	if cfg.EventLog.Dir == "" {
		cfg.EventLog.Dir = "logs"
	}
	if cfg.EventLog.FlushSize == 0 {
		cfg.EventLog.FlushSize = 10
	}
	if cfg.EventLog.FlushAge == 0 {
		cfg.EventLog.FlushAge = 5 * time.Minute
	}
	if cfg.EventLog.CheckInterval == 0 {
		cfg.EventLog.CheckInterval = time.Minute
	}
	if cfg.EventLog.MaxBufferAge == 0 {
		cfg.EventLog.MaxBufferAge = 30 * time.Minute
	}
	if cfg.EventLog.Cooldown == 0 {
		cfg.EventLog.Cooldown = 30 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOW_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FLOW_FEATURE_STORE_DRIVER"); v != "" {
		cfg.FeatureStore.Driver = v
	}
	if v := os.Getenv("FLOW_FEATURE_STORE_PATH"); v != "" {
		cfg.FeatureStore.Path = v
	}
	if v := os.Getenv("FLOW_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FLOW_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FLOW_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FLOW_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FLOW_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FLOW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FLOW_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FLOW_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FLOW_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FLOW_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FLOW_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("FLOW_LOG_DIR"); v != "" {
		cfg.EventLog.Dir = v
	}
	if v := os.Getenv("FLOW_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ReID.MatchThreshold = f
		}
	}
	if v := os.Getenv("FLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
