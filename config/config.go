package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Supported search backends
const (
	BackendBleve     = "bleve"
	BackendTypesense = "typesense"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Search       SearchConfig        `mapstructure:"search"`
	MongoDB      MongoDBConfig       `mapstructure:"mongodb"`
	Sync         SyncConfig          `mapstructure:"sync"`
	Events       EventsConfig        `mapstructure:"events"`
	ContentTypes []ContentTypeConfig `mapstructure:"content_types"`
	Sources      []SourceConfig      `mapstructure:"sources"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LoggingConfig controls the slog handler
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// SearchConfig contains search backend and façade settings
type SearchConfig struct {
	Backend   string `mapstructure:"backend"`    // bleve or typesense
	IndexName string `mapstructure:"index_name"` // Index handle used when no override applies
	IndexPath string `mapstructure:"index_path"` // Bleve only; empty keeps indexes in memory
	// Memory limit applied while a bulk session is open, e.g. "512MB"
	IndexingMemory       string          `mapstructure:"indexing_memory"`
	SearchableCapability string          `mapstructure:"searchable_capability"`
	DefaultLimit         int             `mapstructure:"default_limit"`
	Typesense            TypesenseConfig `mapstructure:"typesense"`
}

// TypesenseConfig contains Typesense connection settings
type TypesenseConfig struct {
	URL               string   `mapstructure:"url"`
	APIKey            string   `mapstructure:"api_key"`
	QueryBy           []string `mapstructure:"query_by"`
	ConnectionTimeout int      `mapstructure:"connection_timeout"` // in seconds
}

// MongoDBConfig contains MongoDB connection settings
type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Timeout  int    `mapstructure:"timeout"` // in seconds
}

// SyncConfig controls the MongoDB to search index synchronisation
type SyncConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BatchSize    int    `mapstructure:"batch_size"`
	PollInterval int    `mapstructure:"poll_interval"` // in seconds
	StatePath    string `mapstructure:"state_path"`
}

// EventsConfig controls the NATS change-event subscriber
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

// ContentTypeConfig declares a content type, its parent and its capabilities.
// Capabilities are inherited by every descendant type.
type ContentTypeConfig struct {
	Name         string        `mapstructure:"name"`
	Parent       string        `mapstructure:"parent,omitempty"`
	Capabilities []string      `mapstructure:"capabilities,omitempty"`
	Fields       []FieldConfig `mapstructure:"fields,omitempty"`
}

// FieldConfig represents field-specific indexing configuration
type FieldConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Analyzer string `mapstructure:"analyzer,omitempty"`
}

// SourceConfig maps a MongoDB collection onto a content type
type SourceConfig struct {
	Name           string `mapstructure:"name"`
	Database       string `mapstructure:"database"`
	Collection     string `mapstructure:"collection"`
	ContentType    string `mapstructure:"content_type"`
	Index          string `mapstructure:"index,omitempty"`           // Overrides search.index_name for this source
	IDField        string `mapstructure:"id_field,omitempty"`        // Defaults to "_id"
	TimestampField string `mapstructure:"timestamp_field,omitempty"` // Defaults to "updated_at"
	PollInterval   int    `mapstructure:"poll_interval,omitempty"`   // Source-specific poll interval in seconds
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/open-search-facade")
	}

	viper.SetEnvPrefix("OSF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("search.backend", BackendBleve)
	viper.SetDefault("search.index_name", "content")
	viper.SetDefault("search.index_path", "./indexes")
	viper.SetDefault("search.searchable_capability", "searchable")
	viper.SetDefault("search.default_limit", 20)
	viper.SetDefault("search.typesense.connection_timeout", 5)
	viper.SetDefault("mongodb.timeout", 30)
	viper.SetDefault("sync.enabled", false)
	viper.SetDefault("sync.batch_size", 1000)
	viper.SetDefault("sync.poll_interval", 10)
	viper.SetDefault("sync.state_path", "./sync_state.json")
	viper.SetDefault("events.enabled", false)
	viper.SetDefault("events.subject", "content.changed")
	viper.SetDefault("events.queue", "open-search-facade")
}

// Validate checks cross-references between sections
func (c *Config) Validate() error {
	switch c.Search.Backend {
	case BackendBleve:
	case BackendTypesense:
		if c.Search.Typesense.URL == "" {
			return fmt.Errorf("search.typesense.url is required for the typesense backend")
		}
	default:
		return fmt.Errorf("unknown search backend %q (valid options: %s, %s)", c.Search.Backend, BackendBleve, BackendTypesense)
	}

	if c.Search.IndexName == "" {
		return fmt.Errorf("search.index_name must not be empty")
	}

	declared := make(map[string]bool, len(c.ContentTypes))
	for _, ct := range c.ContentTypes {
		if ct.Name == "" {
			return fmt.Errorf("content type without a name")
		}
		if declared[ct.Name] {
			return fmt.Errorf("content type %s declared twice", ct.Name)
		}
		declared[ct.Name] = true
	}
	for _, ct := range c.ContentTypes {
		if ct.Parent != "" && !declared[ct.Parent] {
			return fmt.Errorf("content type %s has undeclared parent %s", ct.Name, ct.Parent)
		}
	}

	for _, src := range c.Sources {
		if !declared[src.ContentType] {
			return fmt.Errorf("source %s uses undeclared content type %q", src.Name, src.ContentType)
		}
	}

	return nil
}

// GetMongoURI returns the complete MongoDB connection URI
func (c *MongoDBConfig) GetMongoURI() string {
	if c.URI != "" {
		return c.URI
	}

	// Build URI from components if not provided directly
	uri := "mongodb://"
	if c.Username != "" && c.Password != "" {
		uri += fmt.Sprintf("%s:%s@", c.Username, c.Password)
	}
	uri += "localhost:27017"
	return uri
}

// Key returns the "database.collection" key used for sync state
func (s SourceConfig) Key() string {
	return fmt.Sprintf("%s.%s", s.Database, s.Collection)
}
