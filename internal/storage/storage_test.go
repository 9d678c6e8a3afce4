package storage

import (
	"context"
	"testing"
	"time"

	"stokbro/internal/config"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		cfg      *config.Config
		wantType string
		wantErr  bool
	}{
		{
			name:     "local storage",
			cfg:      &config.Config{StorageType: "local", StoragePath: tmpDir},
			wantType: "local",
		},
		{
			name:    "local storage without path",
			cfg:     &config.Config{StorageType: "local"},
			wantErr: true,
		},
		{
			name: "s3 storage",
			cfg: &config.Config{
				StorageType:       "s3",
				S3Endpoint:        "http://localhost:9000",
				S3Region:          "us-east-1",
				S3AccessKeyID:     "k",
				S3SecretAccessKey: "s",
				S3Bucket:          "b",
			},
			wantType: "s3",
		},
		{
			name:    "unsupported storage",
			cfg:     &config.Config{StorageType: "ftp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.CircuitBreakerThreshold = 5
			tt.cfg.CircuitBreakerTimeout = time.Second
			tt.cfg.CircuitBreakerMaxRequests = 1

			sink, err := New(context.Background(), tt.cfg, sharedMetrics, testBreaker("test-new"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if sink.Type() != tt.wantType {
				t.Errorf("Type() = %q, want %q", sink.Type(), tt.wantType)
			}
		})
	}
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		base, key, want string
	}{
		{"https://cdn.example.com", "a/b.png", "https://cdn.example.com/a/b.png"},
		{"https://cdn.example.com/", "a/b.png", "https://cdn.example.com/a/b.png"},
		{"/files", "x/y z.svg", "/files/x/y%20z.svg"},
	}

	for _, tt := range tests {
		if got := publicURL(tt.base, tt.key); got != tt.want {
			t.Errorf("publicURL(%q, %q) = %q, want %q", tt.base, tt.key, got, tt.want)
		}
	}
}
