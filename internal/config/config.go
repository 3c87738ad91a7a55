package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"bulk-squeeze/internal/logger"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Quality             int              `mapstructure:"quality"`
	OutputDirectory     string           `mapstructure:"output_directory"`
	SupportedExtensions []string         `mapstructure:"supported_extensions"`
	Processing          ProcessingConfig `mapstructure:"processing"`
	Bundle              BundleConfig     `mapstructure:"bundle"`
	Server              ServerConfig     `mapstructure:"server"`
	Report              ReportConfig     `mapstructure:"report"`
	Logging             LoggingConfig    `mapstructure:"logging"`
}

// ProcessingConfig contains per-batch processing settings
type ProcessingConfig struct {
	Workers          int  `mapstructure:"workers"`
	SkipMarked       bool `mapstructure:"skip_marked"`
	PreserveMetadata bool `mapstructure:"preserve_metadata"`
}

// BundleConfig controls how a batch is packaged for download
type BundleConfig struct {
	ArchiveName     string `mapstructure:"archive_name"`
	CollisionPolicy string `mapstructure:"collision_policy"`
	ZipMethod       string `mapstructure:"zip_method"`
}

// ServerConfig contains web front end settings
type ServerConfig struct {
	Port        int   `mapstructure:"port"`
	MaxUploadMB int64 `mapstructure:"max_upload_mb"`
}

// ReportConfig selects the machine-readable batch report encoding
type ReportConfig struct {
	Format string `mapstructure:"format"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Quality:             60,
		OutputDirectory:     "compressed",
		SupportedExtensions: []string{".jpg", ".jpeg", ".png"},
		Processing: ProcessingConfig{
			Workers:          0, // 0 means max(NumCPU, 2)
			SkipMarked:       true,
			PreserveMetadata: false,
		},
		Bundle: BundleConfig{
			ArchiveName:     "images.zip",
			CollisionPolicy: "suffix", // suffix, reject
			ZipMethod:       "store",  // store, deflate
		},
		Server: ServerConfig{
			Port:        8080,
			MaxUploadMB: 256,
		},
		Report: ReportConfig{
			Format: "json",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "bulk-squeeze.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	v := viper.New()

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.bulk-squeeze")
		v.AddConfigPath("/etc/bulk-squeeze")
	}

	// Defaults register every key so environment overrides are seen by Unmarshal.
	setDefaults(v, config)

	v.SetEnvPrefix("BULK_SQUEEZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("quality", c.Quality)
	v.SetDefault("output_directory", c.OutputDirectory)
	v.SetDefault("supported_extensions", c.SupportedExtensions)
	v.SetDefault("processing.workers", c.Processing.Workers)
	v.SetDefault("processing.skip_marked", c.Processing.SkipMarked)
	v.SetDefault("processing.preserve_metadata", c.Processing.PreserveMetadata)
	v.SetDefault("bundle.archive_name", c.Bundle.ArchiveName)
	v.SetDefault("bundle.collision_policy", c.Bundle.CollisionPolicy)
	v.SetDefault("bundle.zip_method", c.Bundle.ZipMethod)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.max_upload_mb", c.Server.MaxUploadMB)
	v.SetDefault("report.format", c.Report.Format)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration and fills in derived defaults
func (c *Config) Validate() error {
	if c.Quality < 0 || c.Quality > 100 {
		return fmt.Errorf("quality must be between 0 and 100, got %d", c.Quality)
	}

	c.OutputDirectory = expandPath(c.OutputDirectory)

	c.Bundle.CollisionPolicy = strings.ToLower(c.Bundle.CollisionPolicy)
	validPolicies := map[string]bool{
		"suffix": true,
		"reject": true,
	}
	if !validPolicies[c.Bundle.CollisionPolicy] {
		return fmt.Errorf("invalid collision_policy: %s (valid: suffix, reject)", c.Bundle.CollisionPolicy)
	}

	c.Bundle.ZipMethod = strings.ToLower(c.Bundle.ZipMethod)
	validMethods := map[string]bool{
		"store":   true,
		"deflate": true,
	}
	if !validMethods[c.Bundle.ZipMethod] {
		return fmt.Errorf("invalid zip_method: %s (valid: store, deflate)", c.Bundle.ZipMethod)
	}
	if c.Bundle.ArchiveName == "" {
		c.Bundle.ArchiveName = "images.zip"
	}

	c.Report.Format = strings.ToLower(c.Report.Format)
	validFormats := map[string]bool{
		"json": true,
		"yaml": true,
	}
	if !validFormats[c.Report.Format] {
		return fmt.Errorf("invalid report format: %s (valid: json, yaml)", c.Report.Format)
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	if c.Processing.Workers <= 0 {
		c.Processing.Workers = max(runtime.NumCPU(), 2)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 256
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// LoggerConfig converts the logging section into a logger configuration.
func (c *Config) LoggerConfig(console bool) logger.LoggerConfig {
	return logger.LoggerConfig{
		Level:      c.Logging.Level,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
		Compress:   c.Logging.Compress,
		Console:    console,
	}
}

// IsImageExtension checks if the extension is one the collector picks up
func (c *Config) IsImageExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

// Helper functions

func expandPath(path string) string {
	if path == "" {
		return path
	}
	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expandedPath = filepath.Join(home, expandedPath[1:])
		}
	}
	return expandedPath
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
