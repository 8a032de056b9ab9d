package config

import "os"

// Config holds the process configuration read from the environment.
// Every field has a working default except the blob and redis
// backends, which stay disabled until their variables are set.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	JWTSecret    string
	OTLPEndpoint string
	Environment  string
	ProfilePath  string
	ArchiveDir   string
	S3Bucket     string
	S3Endpoint   string
	S3Prefix     string
	S3Region     string
}

// Load reads configuration from environment variables, applying
// defaults where a variable is unset.
func Load() *Config {
	return &Config{
		Port:         envOr("PORT", "8080"),
		DatabaseURL:  envOr("DATABASE_URL", "data/veritrail.db"),
		RedisURL:     os.Getenv("REDIS_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		Environment:  envOr("ENVIRONMENT", "development"),
		ProfilePath:  os.Getenv("RISK_PROFILE"),
		ArchiveDir:   os.Getenv("ARCHIVE_DIR"),
		S3Bucket:     os.Getenv("ARCHIVE_S3_BUCKET"),
		S3Endpoint:   os.Getenv("ARCHIVE_S3_ENDPOINT"),
		S3Prefix:     envOr("ARCHIVE_S3_PREFIX", "evidence/"),
		S3Region:     envOr("AWS_REGION", "eu-central-1"),
	}
}

// ArchiveEnabled reports whether any blob backend is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != "" || c.ArchiveDir != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
