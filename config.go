package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	addModeInsert  = "insert"
	addModeRebuild = "rebuild"
)

type Config struct {
	LogFile  string `yaml:"log"`
	LogLevel string `yaml:"log_level"`
	Port     int    `yaml:"port"`
	MCPAddr  string `yaml:"mcp_addr"`

	CorpusDir    string   `yaml:"corpus_dir"`
	PersistDir   string   `yaml:"persist_dir"`
	UploadDir    string   `yaml:"upload_dir"`
	SyncTimeout  int      `yaml:"sync_timeout_ms"`
	AddMode      string   `yaml:"add_mode"`
	MaxUploadMB  int64    `yaml:"max_upload_mb"`
	Extensions   []string `yaml:"extensions"`
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	RequestSize  int      `yaml:"request_size"`
	Results      int      `yaml:"results"`

	Bucket *struct {
		Name            string `yaml:"name"`
		Prefix          string `yaml:"prefix"`
		CredentialsFile string `yaml:"credentials_file"`
		Endpoint        string `yaml:"endpoint"`
	} `yaml:"bucket"`

	Chroma *struct {
		Addr       string `yaml:"addr"`
		Collection string `yaml:"collection"`
		Gemini     *struct {
			Model  string `yaml:"model"`
			ApiKey string `yaml:"api_key"`
		} `yaml:"gemini"`
	} `yaml:"chroma"`

	LLM struct {
		Provider       string  `yaml:"provider"`
		Model          string  `yaml:"model"`
		EmbeddingModel string  `yaml:"embedding_model"`
		ApiKey         string  `yaml:"api_key"`
		BaseURL        string  `yaml:"base_url"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float32 `yaml:"temperature"`
		TimeoutSec     int     `yaml:"timeout_sec"`
	} `yaml:"llm"`

	History struct {
		DB       string `yaml:"db"`
		MaxTurns int    `yaml:"max_turns"`
	} `yaml:"history"`

	Geocode struct {
		ApiKey            string  `yaml:"api_key"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"geocode"`

	Agent struct {
		MaxIterations int `yaml:"max_iterations"`
	} `yaml:"agent"`
}

func defaultConfig() *Config {
	cfg := &Config{
		LogLevel:     "info",
		Port:         3000,
		CorpusDir:    "mnt/storage/data",
		PersistDir:   "mnt/storage/storage",
		SyncTimeout:  30000,
		AddMode:      addModeInsert,
		MaxUploadMB:  50,
		Extensions:   []string{".pdf"},
		ChunkSize:    1000,
		ChunkOverlap: 200,
		RequestSize:  32 * 1024,
		Results:      5,
	}
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.History.MaxTurns = 50
	cfg.Agent.MaxIterations = 5

	return cfg
}

// readConfig loads cfgPath over the defaults. A missing file is not an error
// when cfgPath is empty.
func readConfig(cfgPath string) (*Config, error) {
	cfg := defaultConfig()

	if cfgPath != "" {
		cfgFile, err := os.Open(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("unable to open config file: %w", err)
		}
		defer cfgFile.Close()

		dec := yaml.NewDecoder(cfgFile)
		err = dec.Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.ApiKey = v
	}
	if v := getenv("MAP_KEY"); v != "" {
		c.Geocode.ApiKey = v
	}
	if v := getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && c.Bucket != nil && c.Bucket.CredentialsFile == "" {
		c.Bucket.CredentialsFile = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}

	return nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CorpusDir == "" || c.PersistDir == "" {
		return fmt.Errorf("corpus_dir and persist_dir are required")
	}
	if c.AddMode != addModeInsert && c.AddMode != addModeRebuild {
		return fmt.Errorf("unknown add_mode %q", c.AddMode)
	}
	if c.Chroma != nil && (c.Chroma.Addr == "" || c.Chroma.Collection == "") {
		return fmt.Errorf("chroma.addr and chroma.collection are required when chroma is configured")
	}
	if c.Bucket != nil && c.Bucket.Name == "" {
		return fmt.Errorf("bucket.name is required when bucket is configured")
	}

	return nil
}

func (c *Config) syncTimeout() time.Duration {
	return time.Duration(c.SyncTimeout) * time.Millisecond
}
