/*
Copyright 2025 Keyward Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/keyward/keyward/lib/defaults"
)

// Config structure is used to initialize the keyward service
type Config struct {
	// ListenAddr is the host:port the API server binds to
	ListenAddr string

	// StoreURL is the key-value store connection string
	StoreURL string

	// IdentityLookupEndpoint is the base URL of the external username
	// registry lookup
	IdentityLookupEndpoint string

	// BlobUploadEndpoint is the base URL of the external ciphertext
	// store
	BlobUploadEndpoint string

	// CronSecret authorizes the switch sweep endpoint. When empty the
	// sweep is disabled.
	CronSecret string

	// SignatureSkew is the freshness window for signed request
	// timestamps
	SignatureSkew time.Duration
}

// ConfigFromEnv builds a config from the process environment
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		StoreURL:               os.Getenv("KV_URL"),
		IdentityLookupEndpoint: os.Getenv("IDENTITY_LOOKUP_ENDPOINT"),
		BlobUploadEndpoint:     os.Getenv("BLOB_UPLOAD_ENDPOINT"),
		CronSecret:             os.Getenv("DMS_CRON_SECRET"),
	}
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, trace.BadParameter("PORT %q is not a number", port)
		}
		cfg.ListenAddr = ":" + port
	}
	if skew := os.Getenv("SIGNATURE_SKEW_SECONDS"); skew != "" {
		seconds, err := strconv.Atoi(skew)
		if err != nil || seconds <= 0 {
			return nil, trace.BadParameter("SIGNATURE_SKEW_SECONDS %q is not a positive number", skew)
		}
		cfg.SignatureSkew = time.Duration(seconds) * time.Second
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the config and fills in defaults
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", defaults.HTTPListenPort)
	}
	if cfg.SignatureSkew == 0 {
		cfg.SignatureSkew = defaults.SignatureSkew
	}
	if cfg.StoreURL == "" {
		return trace.BadParameter("missing store URL, set KV_URL")
	}
	if cfg.IdentityLookupEndpoint == "" {
		return trace.BadParameter("missing identity lookup endpoint, set IDENTITY_LOOKUP_ENDPOINT")
	}
	if cfg.BlobUploadEndpoint == "" {
		return trace.BadParameter("missing blob upload endpoint, set BLOB_UPLOAD_ENDPOINT")
	}
	return nil
}
