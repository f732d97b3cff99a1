// Package s3 implements the hot and cold result tiers on AWS S3.
//
// The hot tier is a bucket of STANDARD objects. The cold tier is a bucket (or
// prefix) whose objects use an archival storage class; thaws are S3
// RestoreObject requests.
package s3

import "strings"

// Config configures the S3 blob store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set. For S3-compatible stores set Endpoint and usually
// ForcePathStyle.
type Config struct {
	// HotBucket holds results served to users (required).
	HotBucket string

	// ColdBucket holds archived results. Defaults to HotBucket.
	ColdBucket string

	// ColdPrefix is prepended to archive keys. Defaults to "archive".
	ColdPrefix string

	// ColdStorageClass is the storage class of archived objects.
	// Defaults to GLACIER.
	ColdStorageClass string

	// RestoreDays is how long a thawed copy stays readable. Defaults to 1.
	RestoreDays int32

	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

const (
	DefaultColdPrefix       = "archive"
	DefaultColdStorageClass = "GLACIER"
	DefaultRestoreDays      = 1
)

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HotBucket) == "" {
		return &ConfigError{Field: "HotBucket", Message: "hot bucket name is required"}
	}

	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	if c.RestoreDays < 0 {
		return &ConfigError{Field: "RestoreDays", Message: "must not be negative"}
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.ColdBucket == "" {
		c.ColdBucket = c.HotBucket
	}
	if c.ColdPrefix == "" {
		c.ColdPrefix = DefaultColdPrefix
	}
	if c.ColdStorageClass == "" {
		c.ColdStorageClass = DefaultColdStorageClass
	}
	if c.RestoreDays == 0 {
		c.RestoreDays = DefaultRestoreDays
	}
	return c
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
