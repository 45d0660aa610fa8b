package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every native environment override.
// Nested keys are separated by a double underscore, e.g.
// HEADLINEART_PIPELINE__MAX_REVIEW_CYCLES=5.
const EnvPrefix = "HEADLINEART_"

// Verdict matching modes.
const (
	VerdictModeContains = "contains"
	VerdictModeLeading  = "leading"
)

// Settings is the process-wide configuration.
type Settings struct {
	Server    ServerSettings    `koanf:"server"`
	Text      TextSettings      `koanf:"text"`
	Image     ImageSettings     `koanf:"image"`
	Pipeline  PipelineSettings  `koanf:"pipeline"`
	Storage   StorageSettings   `koanf:"storage"`
	Telemetry TelemetrySettings `koanf:"telemetry"`
	Log       LogSettings       `koanf:"log"`
}

type ServerSettings struct {
	HTTPAddr              string `koanf:"http_addr"`
	GRPCAddr              string `koanf:"grpc_addr"`
	RequestTimeoutSeconds int    `koanf:"request_timeout_seconds"`
	RunsPerMinute         int    `koanf:"runs_per_minute"` // per client, 0 disables limiting
}

type TextSettings struct {
	Endpoint       string `koanf:"endpoint"`
	APIKey         string `koanf:"api_key"`
	Model          string `koanf:"model"`
	APIVersion     string `koanf:"api_version"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type ImageSettings struct {
	Endpoint       string `koanf:"endpoint"`
	APIKey         string `koanf:"api_key"`
	Model          string `koanf:"model"`
	Size           string `koanf:"size"`
	APIVersion     string `koanf:"api_version"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

type PipelineSettings struct {
	MaxReviewCycles     int    `koanf:"max_review_cycles"`
	SpecsDir            string `koanf:"specs_dir"`
	OutputDir           string `koanf:"output_dir"`
	SearchGrounding     bool   `koanf:"search_grounding"`
	SearchConnection    string `koanf:"search_connection"`
	VerdictMode         string `koanf:"verdict_mode"`
	StageTimeoutSeconds int    `koanf:"stage_timeout_seconds"`
}

type StorageSettings struct {
	DBPath string `koanf:"db_path"` // empty disables run history
}

type TelemetrySettings struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name"`
}

type LogSettings struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

var defaults = map[string]any{
	"server.http_addr":               ":8088",
	"server.grpc_addr":               ":50051",
	"server.request_timeout_seconds": 900,
	"server.runs_per_minute":         10,
	"text.model":                     "gpt-4.1",
	"text.timeout_seconds":           120,
	"image.model":                    "gpt-image-1.5",
	"image.size":                     "1024x1024",
	"image.api_version":              "2025-04-01-preview",
	"image.timeout_seconds":          180,
	"pipeline.max_review_cycles":     3,
	"pipeline.specs_dir":             "specs",
	"pipeline.output_dir":            "generated_images",
	"pipeline.verdict_mode":          VerdictModeContains,
	"pipeline.stage_timeout_seconds": 300,
	"storage.db_path":                "data/headlineart.db",
	"telemetry.exporter":             "none",
	"telemetry.otlp_endpoint":        "localhost:4317",
	"telemetry.service_name":         "headlineart",
	"log.level":                      "info",
	"log.format":                     "json",
}

// legacyEnv maps the original deployment's variables onto settings keys.
var legacyEnv = map[string]string{
	"FOUNDRY_PROJECT_ENDPOINT":            "text.endpoint",
	"FOUNDRY_MODEL_DEPLOYMENT_NAME":       "text.model",
	"FOUNDRY_API_KEY":                     "text.api_key",
	"FOUNDRY_IMAGE_ENDPOINT":              "image.endpoint",
	"FOUNDRY_IMAGE_MODEL_DEPLOYMENT_NAME": "image.model",
	"FOUNDRY_IMAGE_API_KEY":               "image.api_key",
	"BING_CONNECTION_ID":                  "pipeline.search_connection",
}

// LoadSettings loads settings: defaults, then the optional YAML file, then
// legacy variables, then HEADLINEART_ variables. A .env file in the working
// directory is loaded into the process environment first when present.
func LoadSettings(path string) (*Settings, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	for _, prefix := range []string{"FOUNDRY_", "BING_"} {
		if err := k.Load(env.Provider(prefix, ".", func(s string) string {
			return legacyEnv[s]
		}), nil); err != nil {
			return nil, fmt.Errorf("load legacy env: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			_ = k.Set(key, value)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if s.Pipeline.SearchConnection != "" {
		s.Pipeline.SearchGrounding = true
	}
	if s.Image.Endpoint == "" {
		s.Image.Endpoint = s.Text.Endpoint
	}
	if s.Image.APIKey == "" {
		s.Image.APIKey = s.Text.APIKey
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks value ranges and enumerations.
func (s *Settings) Validate() error {
	if s.Pipeline.MaxReviewCycles < 1 {
		return fmt.Errorf("pipeline.max_review_cycles must be >= 1, got %d", s.Pipeline.MaxReviewCycles)
	}
	switch s.Pipeline.VerdictMode {
	case VerdictModeContains, VerdictModeLeading:
	default:
		return fmt.Errorf("pipeline.verdict_mode must be %q or %q, got %q",
			VerdictModeContains, VerdictModeLeading, s.Pipeline.VerdictMode)
	}
	switch s.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter must be none, stdout or otlp, got %q", s.Telemetry.Exporter)
	}
	switch s.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", s.Log.Format)
	}
	if s.Pipeline.OutputDir == "" {
		return fmt.Errorf("pipeline.output_dir is required")
	}
	return nil
}

// PipelineGraph builds the stage graph described by these settings.
func (s *Settings) PipelineGraph() *PipelineConfig {
	p := NewHeadlinePipeline(s.Pipeline.MaxReviewCycles, s.Pipeline.SearchGrounding)
	p.DefaultTimeoutSeconds = s.Pipeline.StageTimeoutSeconds
	return p
}

// StageTimeout returns the per-stage deadline, 0 meaning none.
func (s *Settings) StageTimeout() time.Duration {
	return time.Duration(s.Pipeline.StageTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-run deadline applied by the transports.
func (s *Settings) RequestTimeout() time.Duration {
	return time.Duration(s.Server.RequestTimeoutSeconds) * time.Second
}
