// Package config loads service configuration. Values resolve in order:
// built-in defaults, an optional YAML file named by WHS_CONFIG, a .env file
// in the working directory, then process environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/minesafe/whs-rag/engine/domain"
)

// Backend names.
const (
	IndexQdrant   = "qdrant"
	IndexPgvector = "pgvector"
	ModelOpenAI   = "openai"
	ModelOllama   = "ollama"
	DetectHTTP    = "http"
	DetectNATS    = "nats"
)

type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	// VisionRPS and VisionBurst bound /vision/hazard.
	VisionRPS   float64 `yaml:"vision_rps"`
	VisionBurst int     `yaml:"vision_burst"`
}

type Index struct {
	Backend     string `yaml:"backend"`
	QdrantAddr  string `yaml:"qdrant_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Manuals     string `yaml:"manuals_collection"`
	Incidents   string `yaml:"incidents_collection"`
}

// Model selects a model backend. An empty BaseURL means the backend's default.
type Model struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type Generator struct {
	Model       `yaml:",inline"`
	Temperature float64 `yaml:"temperature"`
}

type Detector struct {
	Transport string `yaml:"transport"`
	// PersonURL/PPEURL are used with the http transport, the subjects with nats.
	PersonURL        string  `yaml:"person_url"`
	PPEURL           string  `yaml:"ppe_url"`
	PersonSubject    string  `yaml:"person_subject"`
	PPESubject       string  `yaml:"ppe_subject"`
	PersonConfidence float64 `yaml:"person_confidence"`
	MinPersonWidth   float64 `yaml:"min_person_width"`
	MinPersonHeight  float64 `yaml:"min_person_height"`
}

type Defaults struct {
	QueryTopK     int     `yaml:"query_top_k"`
	AnswerTopK    int     `yaml:"answer_top_k"`
	PPEConfidence float64 `yaml:"ppe_confidence"`
}

type Timeouts struct {
	Embed    time.Duration `yaml:"embed"`
	Search   time.Duration `yaml:"search"`
	Generate time.Duration `yaml:"generate"`
	Detect   time.Duration `yaml:"detect"`
}

// Config is the full service configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Index     Index     `yaml:"index"`
	Embedder  Model     `yaml:"embedder"`
	Generator Generator `yaml:"generator"`
	Detector  Detector  `yaml:"detector"`
	Defaults  Defaults  `yaml:"defaults"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	NATSURL   string    `yaml:"nats_url"`
	DataDir   string    `yaml:"data_dir"`
	// OpenAIKey is only read from the environment.
	OpenAIKey string `yaml:"-"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: Server{Port: "8080", CORSOrigin: "*", VisionRPS: 2, VisionBurst: 4},
		Index: Index{
			Backend:    IndexQdrant,
			QdrantAddr: "localhost:6334",
			Manuals:    "manuals",
			Incidents:  "incidents",
		},
		Embedder: Model{Backend: ModelOllama, Model: "all-minilm"},
		Generator: Generator{
			Model:       Model{Backend: ModelOpenAI, Model: "gpt-4.1"},
			Temperature: 0.2,
		},
		Detector: Detector{
			Transport:        DetectHTTP,
			PersonURL:        "http://localhost:9001",
			PPEURL:           "http://localhost:9002",
			PersonSubject:    "whs.detect.person",
			PPESubject:       "whs.detect.ppe",
			PersonConfidence: 0.35,
			MinPersonWidth:   80,
			MinPersonHeight:  140,
		},
		Defaults: Defaults{QueryTopK: 5, AnswerTopK: 6, PPEConfidence: 0.25},
		Timeouts: Timeouts{
			Embed:    10 * time.Second,
			Search:   5 * time.Second,
			Generate: 60 * time.Second,
			Detect:   30 * time.Second,
		},
		NATSURL: "nats://localhost:4222",
		DataDir: "data/raw",
	}
}

// Load resolves the configuration and validates it for the API server.
func Load() (Config, error) { return load(true) }

// LoadIngest is Load for the offline ingester, which never calls the
// generator and so does not need its credentials.
func LoadIngest() (Config, error) { return load(false) }

func load(withGenerator bool) (Config, error) {
	cfg := Default()
	if path := os.Getenv("WHS_CONFIG"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(withGenerator); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.CORSOrigin = envOr("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Index.Backend = envOr("VECTOR_BACKEND", c.Index.Backend)
	c.Index.QdrantAddr = envOr("QDRANT_URL", c.Index.QdrantAddr)
	c.Index.PostgresDSN = envOr("DATABASE_URL", c.Index.PostgresDSN)
	c.Index.Manuals = envOr("MANUALS_COLLECTION", c.Index.Manuals)
	c.Index.Incidents = envOr("INCIDENTS_COLLECTION", c.Index.Incidents)
	c.Embedder.Backend = envOr("EMBED_BACKEND", c.Embedder.Backend)
	c.Embedder.Model = envOr("EMBED_MODEL", c.Embedder.Model)
	c.Embedder.BaseURL = envOr("EMBED_URL", c.Embedder.BaseURL)
	c.Generator.Backend = envOr("CHAT_BACKEND", c.Generator.Backend)
	c.Generator.Model.Model = envOr("CHAT_MODEL", c.Generator.Model.Model)
	c.Generator.BaseURL = envOr("CHAT_URL", c.Generator.BaseURL)
	c.Detector.Transport = envOr("DETECT_TRANSPORT", c.Detector.Transport)
	c.Detector.PersonURL = envOr("PERSON_DETECTOR_URL", c.Detector.PersonURL)
	c.Detector.PPEURL = envOr("PPE_DETECTOR_URL", c.Detector.PPEURL)
	c.Detector.PersonSubject = envOr("PERSON_DETECTOR_SUBJECT", c.Detector.PersonSubject)
	c.Detector.PPESubject = envOr("PPE_DETECTOR_SUBJECT", c.Detector.PPESubject)
	c.NATSURL = envOr("NATS_URL", c.NATSURL)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.OpenAIKey = envOr("OPENAI_API_KEY", c.OpenAIKey)

	return errors.Join(
		envFloat("CHAT_TEMPERATURE", &c.Generator.Temperature),
		envFloat("VISION_RPS", &c.Server.VisionRPS),
		envInt("VISION_BURST", &c.Server.VisionBurst),
		envFloat("PERSON_CONFIDENCE", &c.Detector.PersonConfidence),
		envFloat("MIN_PERSON_WIDTH", &c.Detector.MinPersonWidth),
		envFloat("MIN_PERSON_HEIGHT", &c.Detector.MinPersonHeight),
		envInt("QUERY_TOP_K", &c.Defaults.QueryTopK),
		envInt("ANSWER_TOP_K", &c.Defaults.AnswerTopK),
		envFloat("PPE_CONFIDENCE", &c.Defaults.PPEConfidence),
		envDuration("EMBED_TIMEOUT", &c.Timeouts.Embed),
		envDuration("SEARCH_TIMEOUT", &c.Timeouts.Search),
		envDuration("GENERATE_TIMEOUT", &c.Timeouts.Generate),
		envDuration("DETECT_TIMEOUT", &c.Timeouts.Detect),
	)
}

// Validate reports unusable settings. A missing OpenAI key while an OpenAI
// backend is selected wraps domain.ErrMissingCredentials.
func (c Config) Validate() error { return c.validate(true) }

func (c Config) validate(withGenerator bool) error {
	var errs []error
	if c.Index.Backend != IndexQdrant && c.Index.Backend != IndexPgvector {
		errs = append(errs, fmt.Errorf("config: unknown vector backend %q", c.Index.Backend))
	}
	if c.Index.Backend == IndexPgvector && c.Index.PostgresDSN == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required for pgvector"))
	}
	for _, m := range []Model{c.Embedder, c.Generator.Model} {
		if m.Backend != ModelOpenAI && m.Backend != ModelOllama {
			errs = append(errs, fmt.Errorf("config: unknown model backend %q", m.Backend))
		}
	}
	needKey := c.Embedder.Backend == ModelOpenAI || (withGenerator && c.Generator.Backend == ModelOpenAI)
	if needKey && c.OpenAIKey == "" {
		errs = append(errs, fmt.Errorf("config: OPENAI_API_KEY: %w", domain.ErrMissingCredentials))
	}
	if c.Detector.Transport != DetectHTTP && c.Detector.Transport != DetectNATS {
		errs = append(errs, fmt.Errorf("config: unknown detector transport %q", c.Detector.Transport))
	}
	if err := domain.ValidateThreshold(c.Detector.PersonConfidence); err != nil {
		errs = append(errs, fmt.Errorf("config: person confidence: %w", err))
	}
	if err := domain.ValidateThreshold(c.Defaults.PPEConfidence); err != nil {
		errs = append(errs, fmt.Errorf("config: ppe confidence: %w", err))
	}
	if c.Defaults.QueryTopK <= 0 || c.Defaults.AnswerTopK <= 0 {
		errs = append(errs, fmt.Errorf("config: default top_k: %w", domain.ErrInvalidTopK))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
