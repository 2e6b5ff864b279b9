// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command agentverify runs the agent verification service.
//
// # Usage
//
//	agentverify serve --config agentverify.yaml
//	agentverify config show --config agentverify.yaml
//	agentverify keygen
//
// # Environment Variables
//
//   - AGENTVERIFY_CONFIG: config file path when --config is not given.
//   - AGENTVERIFY_MASTER_KEY: base64 AES-256 key for sealing session answers.
//   - AGENTVERIFY_PORT, AGENTVERIFY_LOG_LEVEL and the other AGENTVERIFY_*
//     overrides documented in services/verifier/config.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/agentverify/pkg/logging"
	"github.com/AleutianAI/agentverify/services/verifier"
	"github.com/AleutianAI/agentverify/services/verifier/config"
	"github.com/AleutianAI/agentverify/services/verifier/secret"
)

var configPath string

var (
	rootCmd = &cobra.Command{
		Use:   "agentverify",
		Short: "Challenge-response verification for AI agents",
		Long: `agentverify issues timed challenge batteries that are easy for a program
and slow for a human, scores the answers and tracks each agent's history.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the verification HTTP server",
		RunE:  runServe,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE:  runConfigShow,
	}
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random master key for AGENTVERIFY_MASTER_KEY",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), secret.GenerateKey())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"Path to a YAML or TOML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
	})
	logger.Install()
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := verifier.New(ctx, cfg, configPath, nil)
	if err != nil {
		slog.Error("Failed to initialize verifier", "error", err)
		return err
	}
	return svc.Run(ctx)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(redact(cfg))
}

const redacted = "REDACTED"

// redact masks secrets so the output can be pasted into a ticket.
func redact(cfg config.Config) config.Config {
	keys := make([]config.KeyConfig, len(cfg.Crypto.Keys))
	for i, k := range cfg.Crypto.Keys {
		k.Base64 = redacted
		keys[i] = k
	}
	cfg.Crypto.Keys = keys

	if cfg.Signature.Secret != "" {
		cfg.Signature.Secret = redacted
	}
	if cfg.Influx.Token != "" {
		cfg.Influx.Token = redacted
	}
	if cfg.Storage.RedisPassword != "" {
		cfg.Storage.RedisPassword = redacted
	}
	if len(cfg.Auth.Tokens) > 0 {
		tokens := make(map[string]string, len(cfg.Auth.Tokens))
		for _, user := range cfg.Auth.Tokens {
			tokens[redacted+"-"+user] = user
		}
		cfg.Auth.Tokens = tokens
	}
	return cfg
}
