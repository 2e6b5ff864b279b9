// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTVERIFY_"

// MasterKeyEnv holds a base64 master key used as key ID 1 when the config
// file lists no keys. Keeps the key out of config files in deployments.
const MasterKeyEnv = EnvPrefix + "MASTER_KEY"

// Load reads the configuration.
//
// # Description
//
// Starts from Default(), overlays the file at path (YAML for .yaml/.yml,
// TOML for .toml; an empty path skips the file), applies AGENTVERIFY_*
// environment overrides, then validates.
//
// # Outputs
//
//   - Config: Validated configuration.
//   - error: Non-nil if the file cannot be read or decoded, or on validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile overlays the file at path onto cfg.
func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("parse toml config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			slog.Warn("Unknown keys in config file", "path", path, "keys", fmt.Sprint(undecoded))
		}
	default:
		return fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .toml)", ext)
	}
	return nil
}

// applyEnv applies AGENTVERIFY_* environment overrides.
func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt(EnvPrefix+"PORT", cfg.Server.Port)
	cfg.Server.GinMode = getEnvString(EnvPrefix+"GIN_MODE", cfg.Server.GinMode)

	cfg.Storage.Backend = getEnvString(EnvPrefix+"STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.BadgerPath = getEnvString(EnvPrefix+"BADGER_PATH", cfg.Storage.BadgerPath)
	cfg.Storage.RedisAddr = getEnvString(EnvPrefix+"REDIS_ADDR", cfg.Storage.RedisAddr)
	cfg.Storage.RedisPassword = getEnvString(EnvPrefix+"REDIS_PASSWORD", cfg.Storage.RedisPassword)
	cfg.Storage.RedisDB = getEnvInt(EnvPrefix+"REDIS_DB", cfg.Storage.RedisDB)

	if key := os.Getenv(MasterKeyEnv); key != "" && len(cfg.Crypto.Keys) == 0 {
		cfg.Crypto.Keys = []KeyConfig{{ID: 1, Base64: key}}
		cfg.Crypto.ActiveKeyID = 1
	}

	cfg.Telemetry.OTelEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTelEndpoint)
	cfg.Telemetry.OTelEndpoint = getEnvString(EnvPrefix+"OTEL_ENDPOINT", cfg.Telemetry.OTelEndpoint)

	cfg.Influx.URL = getEnvString(EnvPrefix+"INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = getEnvString(EnvPrefix+"INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getEnvString(EnvPrefix+"INFLUX_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = getEnvString(EnvPrefix+"INFLUX_BUCKET", cfg.Influx.Bucket)

	cfg.Signature.Secret = getEnvString(EnvPrefix+"SIGNING_SECRET", cfg.Signature.Secret)
	cfg.Logging.Level = getEnvString(EnvPrefix+"LOG_LEVEL", cfg.Logging.Level)
}

// getEnvString returns the environment value or the fallback when unset.
func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer environment value or the fallback when unset
// or unparsable.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
		return fallback
	}
	return n
}
