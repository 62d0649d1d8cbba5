package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/internal/ledgerd"
	"go.uber.org/zap"
)

func TestMigrateCommandCreatesDatabase(test *testing.T) {
	path := filepath.Join(test.TempDir(), "data", "jecon.db")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--target", "jdbc:sqlite:" + path, "--max-pool-size", "1"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		test.Fatalf("expected database file: %v", err)
	}
}

func TestEnvironmentConfiguresTarget(test *testing.T) {
	path := filepath.Join(test.TempDir(), "env.db")
	test.Setenv("LEDGERD_TARGET", "sqlite:"+path)
	test.Setenv("LEDGERD_CONNECTION_TIMEOUT_MS", "250")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		test.Fatalf("expected env target to be used: %v", err)
	}
}

func TestConfigFileConfiguresTarget(test *testing.T) {
	directory := test.TempDir()
	path := filepath.Join(directory, "file.db")
	configPath := filepath.Join(directory, "ledgerd.yaml")
	if err := os.WriteFile(configPath, []byte("target: \"sqlite:"+path+"\"\nmax-pool-size: 1\n"), 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}
	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--config", configPath})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		test.Fatalf("expected config target to be used: %v", err)
	}
}

func TestConvertCommandRequiresDestination(test *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"convert", "--target", "sqlite:" + filepath.Join(test.TempDir(), "source.db")})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), flagDestinationTarget) {
		test.Fatalf("expected missing destination error, got %v", err)
	}
}

func TestConvertCommandCopiesLedger(test *testing.T) {
	directory := test.TempDir()
	sourceTarget := "sqlite:" + filepath.Join(directory, "source.db")
	destinationTarget := "sqlite:" + filepath.Join(directory, "destination.db")

	cfg := ledgerd.DefaultConfig()
	cfg.Target = sourceTarget
	if err := ledgerd.Migrate(context.Background(), cfg, zap.NewNop()); err != nil {
		test.Fatalf("prepare source: %v", err)
	}
	cmd := newRootCommand()
	cmd.SetArgs([]string{"convert", "--target", sourceTarget, "--destination-target", destinationTarget})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		test.Fatalf("convert: %v", err)
	}
}

func TestInvalidPoolKnobFailsBeforeRun(test *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--target", "sqlite:" + filepath.Join(test.TempDir(), "x.db"), "--idle-timeout-ms=-4"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		test.Fatalf("expected invalid pool knob to fail")
	}
}
