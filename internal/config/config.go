package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Lllllllleong/researchboard/internal/gcp"
	"github.com/Lllllllleong/researchboard/internal/models"
	"gopkg.in/yaml.v3"
)

// Config holds the startup configuration of the board. None of the values are
// required: a missing deployment id falls back to the default deployment, a
// missing project selects the in-process store and a missing API key selects
// the local-only identity.
type Config struct {
	DeploymentID   string        `yaml:"deploymentId"`
	ProjectID      string        `yaml:"projectId"`
	IdentityAPIKey string        `yaml:"identityApiKey"`
	AuthToken      string        `yaml:"authToken"`
	ArchiveBucket  string        `yaml:"archiveBucket"`
	Addr           string        `yaml:"addr"`
	AuthTimeout    time.Duration `yaml:"authTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		DeploymentID: models.DefaultDeploymentID,
		Addr:         ":8080",
		AuthTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// BOARD_CONFIG and environment variables, in increasing precedence. A config
// file that cannot be read is reported but the returned Config is still usable.
func Load() (Config, error) {
	cfg := Defaults()
	var fileErr error
	if path := gcp.GetEnv("BOARD_CONFIG", ""); path != "" {
		fileErr = cfg.mergeFile(path)
	}
	cfg.applyEnv()
	return cfg, fileErr
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.merge(fileCfg)
	return nil
}

func (c *Config) merge(o Config) {
	if o.DeploymentID != "" {
		c.DeploymentID = o.DeploymentID
	}
	if o.ProjectID != "" {
		c.ProjectID = o.ProjectID
	}
	if o.IdentityAPIKey != "" {
		c.IdentityAPIKey = o.IdentityAPIKey
	}
	if o.AuthToken != "" {
		c.AuthToken = o.AuthToken
	}
	if o.ArchiveBucket != "" {
		c.ArchiveBucket = o.ArchiveBucket
	}
	if o.Addr != "" {
		c.Addr = o.Addr
	}
	if o.AuthTimeout > 0 {
		c.AuthTimeout = o.AuthTimeout
	}
	if o.WriteTimeout > 0 {
		c.WriteTimeout = o.WriteTimeout
	}
}

func (c *Config) applyEnv() {
	c.merge(Config{
		DeploymentID:   gcp.GetEnv("BOARD_DEPLOYMENT_ID", ""),
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		IdentityAPIKey: gcp.GetEnv("IDENTITY_API_KEY", ""),
		AuthToken:      gcp.GetEnv("BOARD_AUTH_TOKEN", ""),
		ArchiveBucket:  gcp.GetEnv("BOARD_ARCHIVE_BUCKET", ""),
		Addr:           gcp.GetEnv("BOARD_ADDR", ""),
		AuthTimeout:    time.Duration(gcp.GetEnvInt("BOARD_AUTH_TIMEOUT_SECONDS", 0)) * time.Second,
		WriteTimeout:   time.Duration(gcp.GetEnvInt("BOARD_WRITE_TIMEOUT_SECONDS", 0)) * time.Second,
	})
}

// CollectionRef returns the paper collection of the configured deployment.
func (c Config) CollectionRef() models.CollectionRef {
	return models.NewCollectionRef(c.DeploymentID)
}

// StoreConfigured reports whether a Firestore project is configured.
func (c Config) StoreConfigured() bool { return c.ProjectID != "" }

// AuthConfigured reports whether the identity service can be reached.
func (c Config) AuthConfigured() bool { return c.IdentityAPIKey != "" }
