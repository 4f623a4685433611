package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		Provider       string        `yaml:"provider"`
		BaseURL        string        `yaml:"base_url"`
		APIKey         string        `yaml:"api_key"`
		Model          string        `yaml:"model"`
		EmbeddingModel string        `yaml:"embedding_model"`
		MaxTokens      int           `yaml:"max_tokens"`
		Temperature    float64       `yaml:"temperature"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	Index struct {
		Backend    string `yaml:"backend"`
		Path       string `yaml:"path"`
		Collection string `yaml:"collection"`
		URL        string `yaml:"url"`
		APIKey     string `yaml:"api_key"`
		Dimension  int    `yaml:"dimension"`
	} `yaml:"index"`

	Retrieval struct {
		TopK            int `yaml:"top_k"`
		MaxTopK         int `yaml:"max_top_k"`
		MaxContextChars int `yaml:"max_context_chars"`
		ExcerptChars    int `yaml:"excerpt_chars"`
	} `yaml:"retrieval"`

	Ingest struct {
		ChunkSize    int      `yaml:"chunk_size"`
		ChunkOverlap int      `yaml:"chunk_overlap"`
		BatchSize    int      `yaml:"batch_size"`
		MaxDepth     int      `yaml:"max_depth"`
		RateLimit    float64  `yaml:"rate_limit"`
		IgnoreURLs   []string `yaml:"ignore_patterns"`
	} `yaml:"ingest"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Backends understood by store.Open.
const (
	BackendSQLite   = "sqlite"
	BackendPGVector = "pgvector"
	BackendQdrant   = "qdrant"
	BackendMemory   = "memory"
)

// Providers understood by llm.NewEmbedder and llm.NewGenerator.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// MinContextChars is the smallest context budget that leaves room for chunk
// text after the page label.
const MinContextChars = 64

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/documind/config.yaml"),
			"/etc/documind/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := mergeWithEnv(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	if err := mergeWithEnv(config); err != nil {
		return nil, err
	}
	applyDefaults(config)
	return config, nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = ProviderOllama
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == ProviderOllama {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "llama2"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 1024
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.1
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 120 * time.Second
	}

	if config.Index.Backend == "" {
		config.Index.Backend = BackendSQLite
	}
	if config.Index.Path == "" {
		config.Index.Path = "documind.db"
	}
	if config.Index.Collection == "" {
		config.Index.Collection = "documind"
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}
	if config.Retrieval.MaxTopK == 0 {
		config.Retrieval.MaxTopK = 20
	}
	if config.Retrieval.MaxContextChars == 0 {
		config.Retrieval.MaxContextChars = 6000
	}
	if config.Retrieval.ExcerptChars == 0 {
		config.Retrieval.ExcerptChars = 200
	}

	if config.Ingest.ChunkSize == 0 {
		config.Ingest.ChunkSize = 700
	}
	if config.Ingest.ChunkOverlap == 0 {
		config.Ingest.ChunkOverlap = 120
	}
	if config.Ingest.BatchSize == 0 {
		config.Ingest.BatchSize = 64
	}
	if config.Ingest.MaxDepth == 0 {
		config.Ingest.MaxDepth = 2
	}
	if config.Ingest.RateLimit == 0 {
		config.Ingest.RateLimit = 2.0
	}

	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8000
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func mergeWithEnv(config *Config) error {
	setString(&config.LLM.Provider, "LLM_PROVIDER")
	setString(&config.LLM.BaseURL, "OLLAMA_BASE_URL")
	if config.LLM.Provider == ProviderOpenAI {
		setString(&config.LLM.BaseURL, "OPENAI_BASE_URL")
	}
	setString(&config.LLM.APIKey, "OPENAI_API_KEY")
	setString(&config.LLM.Model, "LLM_MODEL")
	setString(&config.LLM.EmbeddingModel, "EMBEDDING_MODEL")

	setString(&config.Index.Backend, "INDEX_BACKEND")
	setString(&config.Index.Path, "INDEX_PATH")
	setString(&config.Index.Collection, "INDEX_COLLECTION")
	switch config.Index.Backend {
	case BackendPGVector:
		setString(&config.Index.URL, "DATABASE_URL")
	case BackendQdrant:
		setString(&config.Index.URL, "QDRANT_URL")
		setString(&config.Index.APIKey, "QDRANT_API_KEY")
	}

	setString(&config.Server.Host, "API_HOST")
	setString(&config.Log.Level, "LOG_LEVEL")
	setString(&config.Log.Format, "LOG_FORMAT")

	if err := setInt(&config.Retrieval.TopK, "TOP_K"); err != nil {
		return err
	}
	if err := setInt(&config.Server.Port, "API_PORT"); err != nil {
		return err
	}
	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LLM_TIMEOUT %q: %w", v, err)
		}
		config.LLM.Timeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}
