package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Database
	DBURL            string
	DBEngine         string
	DBMaxConnections int // connection pool size (default: 20)
	TableName        string
	QuotaTableName   string
	KeyPrefix        string // For Redis

	// Vendor
	VendorAPIKey    string
	VendorAPIURL    string
	VendorTimeout   time.Duration
	IconPNGSize     int
	FreepikFormats  []string // empty = catalog defaults
	FlaticonFormats []string

	// Storage
	StorageType string // "s3" or "local"
	StoragePath string // For local filesystem storage

	// S3 (R2 or any S3-compatible endpoint)
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3UsePathStyle    bool
	S3ACL             string
	PublicBaseURL     string

	// Timeouts
	DatabaseQueryTimeout time.Duration
	StorageFetchTimeout  time.Duration
	RequestTimeout       time.Duration

	// Retries
	StorageMaxRetries int
	StorageRetryDelay time.Duration

	// Circuit Breaker
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time to wait before half-open
	CircuitBreakerMaxRequests int           // max requests in half-open state

	// Promotion
	PromoteMaxBytes int64

	// Quota
	QuotaDefaultLimit int

	// Orchestrator
	MaxConcurrentFormats int
	Cooldown             time.Duration

	// History
	HistoryPageSize int

	// Session
	EnforceSigning bool
	SigningSecret  []byte

	// Retriever
	DownloadDir string

	// Server
	Port        string
	EnableHTTPS bool

	// Let's Encrypt
	LetsEncryptDomains  []string
	LetsEncryptCacheDir string
	LetsEncryptEmail    string

	// Metrics
	MetricsUsername string
	MetricsPassword string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DB_URL required")
	}

	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_URL: %w", err)
	}

	enforceSigning, _ := strconv.ParseBool(os.Getenv("ENFORCE_SIGNING"))
	enableHTTPS, _ := strconv.ParseBool(os.Getenv("ENABLE_HTTPS"))

	tableName := os.Getenv("TABLE_NAME")
	if tableName == "" {
		tableName = "downloads"
	}

	quotaTableName := os.Getenv("QUOTA_TABLE_NAME")
	if quotaTableName == "" {
		quotaTableName = "quotas"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	vendorAPIURL := strings.TrimRight(os.Getenv("VENDOR_API_URL"), "/")
	if vendorAPIURL == "" {
		vendorAPIURL = "https://api.freepik.com/v1"
	}

	s3Region := os.Getenv("S3_REGION")
	if s3Region == "" {
		s3Region = "auto"
	}

	s3UsePathStyle := false
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			s3UsePathStyle = parsed
		}
	}

	s3ACL := os.Getenv("S3_ACL")
	if s3ACL == "" {
		s3ACL = "public-read"
	}

	var letsEncryptDomains []string
	if enableHTTPS {
		domains := strings.Split(os.Getenv("LETSENCRYPT_DOMAINS"), ",")
		if len(domains) == 0 || domains[0] == "" {
			return nil, fmt.Errorf("LETSENCRYPT_DOMAINS required when ENABLE_HTTPS=true")
		}
		letsEncryptDomains = domains
	}

	letsEncryptCacheDir := os.Getenv("LETSENCRYPT_CACHE_DIR")
	if letsEncryptCacheDir == "" {
		letsEncryptCacheDir = "./certs"
	}

	// Determine storage type
	storageType := os.Getenv("STORAGE_TYPE")
	storagePath := os.Getenv("STORAGE_PATH")

	// Auto-detect storage type if not specified
	if storageType == "" {
		if storagePath != "" {
			storageType = "local"
		} else {
			storageType = "s3"
		}
	}

	publicBaseURL := strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")
	if storageType == "s3" && os.Getenv("S3_BUCKET") == "" {
		return nil, fmt.Errorf("S3_BUCKET required for s3 storage")
	}

	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "."
	}

	maxConcurrent := parseInt(os.Getenv("MAX_CONCURRENT_FORMATS"), 8)
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("invalid MAX_CONCURRENT_FORMATS: %d", maxConcurrent)
	}

	return &Config{
		DBURL:                     dbURL,
		DBEngine:                  u.Scheme,
		DBMaxConnections:          parseInt(os.Getenv("DB_MAX_CONNECTIONS"), 20),
		TableName:                 tableName,
		QuotaTableName:            quotaTableName,
		KeyPrefix:                 os.Getenv("KEY_PREFIX"),
		VendorAPIKey:              os.Getenv("FREEPIK_API_KEY"),
		VendorAPIURL:              vendorAPIURL,
		VendorTimeout:             parseDuration(os.Getenv("VENDOR_TIMEOUT"), 10*time.Second),
		IconPNGSize:               parseInt(os.Getenv("ICON_PNG_SIZE"), 512),
		FreepikFormats:            parseStringList(os.Getenv("FREEPIK_FORMATS")),
		FlaticonFormats:           parseStringList(os.Getenv("FLATICON_FORMATS")),
		StorageType:               storageType,
		StoragePath:               storagePath,
		S3Endpoint:                os.Getenv("S3_ENDPOINT"),
		S3Region:                  s3Region,
		S3AccessKeyID:             os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:         os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:                  os.Getenv("S3_BUCKET"),
		S3UsePathStyle:            s3UsePathStyle,
		S3ACL:                     s3ACL,
		PublicBaseURL:             publicBaseURL,
		DatabaseQueryTimeout:      parseDuration(os.Getenv("DATABASE_QUERY_TIMEOUT"), 5*time.Second),
		StorageFetchTimeout:       parseDuration(os.Getenv("STORAGE_FETCH_TIMEOUT"), 60*time.Second),
		RequestTimeout:            parseDuration(os.Getenv("REQUEST_TIMEOUT"), 120*time.Second),
		StorageMaxRetries:         parseInt(os.Getenv("STORAGE_MAX_RETRIES"), 3),
		StorageRetryDelay:         parseDuration(os.Getenv("STORAGE_RETRY_DELAY"), 1*time.Second),
		CircuitBreakerThreshold:   parseInt(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"), 5),
		CircuitBreakerTimeout:     parseDuration(os.Getenv("CIRCUIT_BREAKER_TIMEOUT"), 60*time.Second),
		CircuitBreakerMaxRequests: parseInt(os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"), 2),
		PromoteMaxBytes:           parseInt64(os.Getenv("PROMOTE_MAX_BYTES"), 512<<20),
		QuotaDefaultLimit:         parseInt(os.Getenv("QUOTA_DEFAULT_LIMIT"), 100),
		MaxConcurrentFormats:      maxConcurrent,
		Cooldown:                  parseDuration(os.Getenv("COOLDOWN"), 3*time.Second),
		HistoryPageSize:           parseInt(os.Getenv("HISTORY_PAGE_SIZE"), 7),
		EnforceSigning:            enforceSigning,
		SigningSecret:             []byte(os.Getenv("SIGNING_SECRET")),
		DownloadDir:               downloadDir,
		Port:                      port,
		EnableHTTPS:               enableHTTPS,
		LetsEncryptDomains:        letsEncryptDomains,
		LetsEncryptCacheDir:       letsEncryptCacheDir,
		LetsEncryptEmail:          os.Getenv("LETSENCRYPT_EMAIL"),
		MetricsUsername:           os.Getenv("METRICS_USERNAME"),
		MetricsPassword:           os.Getenv("METRICS_PASSWORD"),
	}, nil
}

// Helper functions for parsing configuration values

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseInt64(s string, defaultValue int64) int64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
