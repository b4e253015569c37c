package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options
type Config struct {
	// Relying party config
	RPDisplayName string   `long:"rp-name" env:"RP_NAME" default:"Authentication Core" description:"Relying party display name"`
	RPID          string   `long:"rp-id" env:"RP_ID" default:"localhost" description:"Relying party ID"`
	RPOrigins     []string `long:"rp-origin" env:"RP_ORIGIN" env-delim:"," default:"https://localhost" description:"Relying party origins"`

	// Secrets
	MasterSecret  string `long:"master-secret" env:"MASTER_SECRET" description:"Master secret for the password engine (min 32 bytes)"`
	SessionSecret string `long:"session-secret" env:"SESSION_SECRET" description:"Signing secret for session keys"`

	// Backend selection
	StorageMode   string `long:"storage-mode" env:"STORAGE_MODE" default:"filesystem" choice:"memory" choice:"filesystem" choice:"s3" description:"Credential storage backend"`
	ChallengeMode string `long:"challenge-mode" env:"CHALLENGE_MODE" default:"memory" choice:"memory" choice:"redis" description:"Challenge storage backend"`
	SessionMode   string `long:"session-mode" env:"SESSION_MODE" default:"memory" choice:"memory" choice:"redis" description:"Session storage backend"`

	// Filesystem storage
	DataPath string `long:"data-path" env:"DATA_PATH" default:"./data" description:"Filesystem storage directory"`

	// S3 storage
	S3 struct {
		Endpoint  string `long:"s3-endpoint" env:"S3_ENDPOINT" default:"localhost:9000" description:"S3 endpoint (host:port)"`
		Bucket    string `long:"s3-bucket" env:"S3_BUCKET" default:"authcore" description:"S3 bucket name"`
		AccessKey string `long:"s3-access-key" env:"S3_ACCESS_KEY" default:"minioadmin" description:"S3 access key"`
		SecretKey string `long:"s3-secret-key" env:"S3_SECRET_KEY" default:"minioadmin" description:"S3 secret key"`
		UseSSL    bool   `long:"s3-use-ssl" env:"S3_USE_SSL" description:"Use SSL for S3 connections"`
	} `group:"S3 Storage Options"`

	// Redis config
	Redis struct {
		Addr     string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
		Password string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
		DB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	} `group:"Redis Options"`

	// Policy
	PolicyFile string `long:"policy-file" env:"POLICY_FILE" description:"YAML fallback policy file"`
}

// Policy tunes method ordering, retry budgets, and lifetimes. Loaded from
// a YAML file so deployments can adjust it without a rebuild.
type Policy struct {
	PreferredMethod     string   `yaml:"preferredMethod"`
	SkipMethods         []string `yaml:"skipMethods"`
	MaxRetriesPerMethod int      `yaml:"maxRetriesPerMethod"`
	AllowZeroCounter    bool     `yaml:"allowZeroCounter"`
	ChallengeTTL        Duration `yaml:"challengeTTL"`
	SessionTTL          Duration `yaml:"sessionTTL"`
	RateLimitWindow     Duration `yaml:"rateLimitWindow"`
	MaxLoginAttempts    int      `yaml:"maxLoginAttempts"`
}

// Duration accepts Go duration strings ("5m", "24h") in policy files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig parses configuration from environment variables and command line flags
func LoadConfig() (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// LoadPolicy reads the fallback policy file. A missing path returns the
// zero policy, which leaves every component on its defaults.
func LoadPolicy(path string) (*Policy, error) {
	var policy Policy
	if path == "" {
		return &policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return &policy, nil
}
