package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

// Config is the root of the service configuration file
type Config struct {
	Publishers PublishersConfig         `yaml:"publishers"`
	Cameras    map[string]*CameraConfig `yaml:"cameras"`
}

// PublishersConfig holds one subsection per sink
type PublishersConfig struct {
	Stream   StreamSinkConfig   `yaml:"stream"`
	Snapshot SnapshotSinkConfig `yaml:"snapshot"`
	Record   RecordSinkConfig   `yaml:"record"`
}

// StreamSinkConfig configures the Kinesis Data Streams sink
type StreamSinkConfig struct {
	Enabled         bool   `yaml:"enabled"`
	StreamName      string `yaml:"stream_name"`
	Region          string `yaml:"region"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	MaxRetries      int    `yaml:"max_retries"`
	CallTimeoutMs   int    `yaml:"call_timeout_ms"`
}

// SnapshotSinkConfig configures the S3 snapshot sink
type SnapshotSinkConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	JPEGQuality int    `yaml:"jpeg_quality"`
	Annotate    *bool  `yaml:"annotate"` // nil = true
	PresignTTLS int    `yaml:"presign_ttl_seconds"`
}

// RecordSinkConfig configures the DynamoDB record sink
type RecordSinkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Table         string `yaml:"table"`
	Region        string `yaml:"region"`
	TTLDays       int    `yaml:"ttl_days"`
	BatchSize     int    `yaml:"batch_size"`
	MaxRetries    int    `yaml:"max_retries"`
	CallTimeoutMs int    `yaml:"call_timeout_ms"`
}

// CameraConfig is one camera's full configuration
type CameraConfig struct {
	Enabled    bool             `yaml:"enabled"`
	StreamName string           `yaml:"stream_name"`
	FPSTarget  int              `yaml:"fps_target"` // 0 = process every frame
	Playback   PlaybackConfig   `yaml:"playback"`
	ROI        ROIConfig        `yaml:"roi"`
	Detectors  []DetectorConfig `yaml:"detectors"`
}

// PlaybackConfig controls the HLS session URL lifecycle
type PlaybackConfig struct {
	SessionSeconds          int `yaml:"session_seconds"`
	URLRefreshMarginSeconds int `yaml:"url_refresh_margin_seconds"`
}

// ROIConfig is the camera's region-of-interest mask
type ROIConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Polygons   [][][]float64 `yaml:"polygons"` // each polygon: list of [x, y]
	FilterMode string        `yaml:"filter_mode"`
	MinOverlap float64       `yaml:"min_overlap"`
}

// DetectorConfig is one entry in a camera's ordered detector chain
type DetectorConfig struct {
	Type string `yaml:"type"` // weapon, fire_smoke, alpr

	Model      string  `yaml:"model"`
	Confidence float64 `yaml:"confidence"`

	// weapon
	Labels          []string           `yaml:"labels"`
	ClassConfidence map[string]float64 `yaml:"class_confidence"`

	// fire_smoke
	FireLabels     []string `yaml:"fire_labels"`
	SmokeLabels    []string `yaml:"smoke_labels"`
	FireThreshold  float64  `yaml:"fire_threshold"`
	SmokeThreshold float64  `yaml:"smoke_threshold"`

	// alpr
	CropExpand       float64 `yaml:"crop_expand"`
	OCREngine        string  `yaml:"ocr_engine"`
	OCRLang          string  `yaml:"ocr_lang"`
	OCRConfThreshold float64 `yaml:"ocr_conf_threshold"`

	Temporal   TemporalConfig `yaml:"temporal"`
	Dedup      DedupConfig    `yaml:"dedup"`
	MinBoxArea float64        `yaml:"min_box_area"`
}

// TemporalConfig is the N-of-K confirmation gate
type TemporalConfig struct {
	Window           int     `yaml:"window"`
	MinConfirmations int     `yaml:"min_confirmations"`
	IoU              float64 `yaml:"iou"`
}

// DedupConfig is the sliding-window duplicate suppression
type DedupConfig struct {
	Window   int     `yaml:"window"`
	GridSize float64 `yaml:"grid_size"`
}

// Env holds process-level knobs resolved from the environment
type Env struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"INFO"`
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	InferenceURL string `env:"INFERENCE_URL" envDefault:"http://127.0.0.1:9600"`
	FFmpegPath   string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
}

// LoadEnv parses the environment knobs
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// placeholder matches ${NAME} substitutions
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, and validates a configuration file
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero values that have non-zero defaults
func (c *Config) applyDefaults() {
	if c.Publishers.Stream.BatchSize == 0 {
		c.Publishers.Stream.BatchSize = 500
	}
	if c.Publishers.Stream.FlushIntervalMs == 0 {
		c.Publishers.Stream.FlushIntervalMs = 1000
	}
	if c.Publishers.Stream.MaxRetries == 0 {
		c.Publishers.Stream.MaxRetries = 3
	}
	if c.Publishers.Stream.CallTimeoutMs == 0 {
		c.Publishers.Stream.CallTimeoutMs = 5000
	}
	if c.Publishers.Snapshot.JPEGQuality == 0 {
		c.Publishers.Snapshot.JPEGQuality = 80
	}
	if c.Publishers.Snapshot.Prefix == "" {
		c.Publishers.Snapshot.Prefix = "snapshots"
	}
	if c.Publishers.Snapshot.PresignTTLS == 0 {
		c.Publishers.Snapshot.PresignTTLS = 900
	}
	if c.Publishers.Snapshot.Annotate == nil {
		annotate := true
		c.Publishers.Snapshot.Annotate = &annotate
	}
	if c.Publishers.Record.BatchSize == 0 {
		c.Publishers.Record.BatchSize = 25
	}
	if c.Publishers.Record.MaxRetries == 0 {
		c.Publishers.Record.MaxRetries = 3
	}
	if c.Publishers.Record.CallTimeoutMs == 0 {
		c.Publishers.Record.CallTimeoutMs = 5000
	}

	for _, cam := range c.Cameras {
		if cam == nil {
			continue
		}
		if cam.Playback.SessionSeconds == 0 {
			cam.Playback.SessionSeconds = 300
		}
		if cam.Playback.URLRefreshMarginSeconds == 0 {
			cam.Playback.URLRefreshMarginSeconds = 30
		}
		for i := range cam.Detectors {
			d := &cam.Detectors[i]
			if d.Temporal.Window == 0 {
				d.Temporal.Window = 5
			}
			if d.Temporal.MinConfirmations == 0 {
				d.Temporal.MinConfirmations = 3
			}
			if d.Temporal.IoU == 0 {
				d.Temporal.IoU = 0.4
			}
			if d.Dedup.Window == 0 {
				d.Dedup.Window = 30
			}
			if d.Dedup.GridSize == 0 {
				d.Dedup.GridSize = 20
			}
			if d.Confidence == 0 {
				d.Confidence = 0.5
			}
			if d.Type == "fire_smoke" {
				if d.FireThreshold == 0 {
					d.FireThreshold = d.Confidence
				}
				if d.SmokeThreshold == 0 {
					d.SmokeThreshold = d.Confidence
				}
				if len(d.FireLabels) == 0 {
					d.FireLabels = []string{"fire"}
				}
				if len(d.SmokeLabels) == 0 {
					d.SmokeLabels = []string{"smoke"}
				}
			}
			if d.Type == "alpr" {
				if d.CropExpand == 0 {
					d.CropExpand = 0.1
				}
				if d.OCRConfThreshold == 0 {
					d.OCRConfThreshold = 0.5
				}
				if d.OCRLang == "" {
					d.OCRLang = "eng"
				}
			}
		}
	}
}

// expand resolves ${VAR} placeholders against the environment and the
// reserved ${camera_id} substitution inside camera subtrees
func (c *Config) expand() {
	expandEnv := func(s string) string { return expandString(s, "") }

	c.Publishers.Stream.StreamName = expandEnv(c.Publishers.Stream.StreamName)
	c.Publishers.Stream.Region = expandEnv(c.Publishers.Stream.Region)
	c.Publishers.Snapshot.Bucket = expandEnv(c.Publishers.Snapshot.Bucket)
	c.Publishers.Snapshot.Prefix = expandEnv(c.Publishers.Snapshot.Prefix)
	c.Publishers.Snapshot.Region = expandEnv(c.Publishers.Snapshot.Region)
	c.Publishers.Record.Table = expandEnv(c.Publishers.Record.Table)
	c.Publishers.Record.Region = expandEnv(c.Publishers.Record.Region)

	for cameraID, cam := range c.Cameras {
		if cam == nil {
			continue
		}
		cam.StreamName = expandString(cam.StreamName, cameraID)
		for i := range cam.Detectors {
			cam.Detectors[i].Model = expandString(cam.Detectors[i].Model, cameraID)
			cam.Detectors[i].OCREngine = expandString(cam.Detectors[i].OCREngine, cameraID)
		}
	}
}

// expandString substitutes ${VAR} from the environment; ${camera_id}
// is reserved and resolves to the supplied id
func expandString(s, cameraID string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if name == "camera_id" {
			return cameraID
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// knownDetectorTypes is the closed set of detector variants
var knownDetectorTypes = map[string]bool{
	"weapon":     true,
	"fire_smoke": true,
	"alpr":       true,
}

// Validate checks the configuration invariants. Violations are fatal
// at startup.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("no cameras configured")
	}

	enabled := 0
	for cameraID, cam := range c.Cameras {
		if cam == nil {
			return fmt.Errorf("camera %q: empty configuration", cameraID)
		}
		if strings.TrimSpace(cameraID) == "" {
			return fmt.Errorf("camera with empty id")
		}
		if !cam.Enabled {
			continue
		}
		enabled++

		if cam.StreamName == "" {
			return fmt.Errorf("camera %q: missing stream_name", cameraID)
		}
		if cam.FPSTarget < 0 {
			return fmt.Errorf("camera %q: fps_target must be >= 0", cameraID)
		}
		if cam.Playback.SessionSeconds <= cam.Playback.URLRefreshMarginSeconds {
			return fmt.Errorf("camera %q: playback.session_seconds must exceed url_refresh_margin_seconds", cameraID)
		}

		if cam.ROI.Enabled {
			if len(cam.ROI.Polygons) == 0 {
				return fmt.Errorf("camera %q: roi enabled but no polygons", cameraID)
			}
			for pi, poly := range cam.ROI.Polygons {
				if len(poly) < 3 {
					return fmt.Errorf("camera %q: roi polygon %d has %d points, need at least 3", cameraID, pi, len(poly))
				}
				for _, pt := range poly {
					if len(pt) != 2 {
						return fmt.Errorf("camera %q: roi polygon %d has a point with %d coordinates", cameraID, pi, len(pt))
					}
				}
			}
			switch cam.ROI.FilterMode {
			case "", "center", "any", "all":
			case "overlap":
				if cam.ROI.MinOverlap <= 0 || cam.ROI.MinOverlap > 1 {
					return fmt.Errorf("camera %q: roi.min_overlap must be in (0,1]", cameraID)
				}
			default:
				return fmt.Errorf("camera %q: invalid roi.filter_mode %q", cameraID, cam.ROI.FilterMode)
			}
		}

		if len(cam.Detectors) == 0 {
			return fmt.Errorf("camera %q: no detectors configured", cameraID)
		}
		for di, det := range cam.Detectors {
			if !knownDetectorTypes[det.Type] {
				return fmt.Errorf("camera %q: detector %d has unknown type %q", cameraID, di, det.Type)
			}
			if err := validThreshold(det.Confidence); err != nil {
				return fmt.Errorf("camera %q: detector %d confidence: %w", cameraID, di, err)
			}
			for label, thr := range det.ClassConfidence {
				if err := validThreshold(thr); err != nil {
					return fmt.Errorf("camera %q: detector %d class_confidence[%s]: %w", cameraID, di, label, err)
				}
			}
			if det.Type == "fire_smoke" {
				if err := validThreshold(det.FireThreshold); err != nil {
					return fmt.Errorf("camera %q: detector %d fire_threshold: %w", cameraID, di, err)
				}
				if err := validThreshold(det.SmokeThreshold); err != nil {
					return fmt.Errorf("camera %q: detector %d smoke_threshold: %w", cameraID, di, err)
				}
			}
			if det.Type == "alpr" {
				if err := validThreshold(det.OCRConfThreshold); err != nil {
					return fmt.Errorf("camera %q: detector %d ocr_conf_threshold: %w", cameraID, di, err)
				}
				if det.CropExpand < 0 || det.CropExpand > 1 {
					return fmt.Errorf("camera %q: detector %d crop_expand must be in [0,1]", cameraID, di)
				}
			}
			if det.Temporal.Window < 1 {
				return fmt.Errorf("camera %q: detector %d temporal.window must be >= 1", cameraID, di)
			}
			if det.Temporal.MinConfirmations < 1 || det.Temporal.MinConfirmations > det.Temporal.Window {
				return fmt.Errorf("camera %q: detector %d temporal.min_confirmations must be in [1, window]", cameraID, di)
			}
			if det.Temporal.IoU < 0 || det.Temporal.IoU > 1 {
				return fmt.Errorf("camera %q: detector %d temporal.iou must be in [0,1]", cameraID, di)
			}
			if det.Dedup.Window < 1 {
				return fmt.Errorf("camera %q: detector %d dedup.window must be >= 1", cameraID, di)
			}
			if det.Dedup.GridSize <= 0 {
				return fmt.Errorf("camera %q: detector %d dedup.grid_size must be > 0", cameraID, di)
			}
			if det.MinBoxArea < 0 {
				return fmt.Errorf("camera %q: detector %d min_box_area must be >= 0", cameraID, di)
			}
		}
	}

	if enabled == 0 {
		return fmt.Errorf("no enabled cameras")
	}

	if c.Publishers.Stream.Enabled && c.Publishers.Stream.StreamName == "" {
		return fmt.Errorf("publishers.stream: missing stream_name")
	}
	if c.Publishers.Stream.BatchSize < 1 || c.Publishers.Stream.BatchSize > 500 {
		return fmt.Errorf("publishers.stream: batch_size must be in [1,500]")
	}
	if c.Publishers.Snapshot.Enabled && c.Publishers.Snapshot.Bucket == "" {
		return fmt.Errorf("publishers.snapshot: missing bucket")
	}
	if c.Publishers.Snapshot.JPEGQuality < 1 || c.Publishers.Snapshot.JPEGQuality > 100 {
		return fmt.Errorf("publishers.snapshot: jpeg_quality must be in [1,100]")
	}
	if c.Publishers.Record.Enabled && c.Publishers.Record.Table == "" {
		return fmt.Errorf("publishers.record: missing table")
	}
	if c.Publishers.Record.BatchSize < 1 || c.Publishers.Record.BatchSize > 25 {
		return fmt.Errorf("publishers.record: batch_size must be in [1,25]")
	}

	return nil
}

func validThreshold(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("threshold %v outside [0,1]", v)
	}
	return nil
}

// EnabledCameras returns ids of enabled cameras in deterministic order
func (c *Config) EnabledCameras() []string {
	ids := make([]string, 0, len(c.Cameras))
	for id, cam := range c.Cameras {
		if cam != nil && cam.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
