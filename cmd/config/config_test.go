package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/eryx-labs/execution/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Chain.Name != "mainnet" {
		t.Fatalf("unexpected chain name: %s", AppConfig.Chain.Name)
	}
	if AppConfig.Prune.Mode != "full" {
		t.Fatalf("unexpected prune mode: %s", AppConfig.Prune.Mode)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("bootstrap")
	if AppConfig.Workers.TrieWorkers != 8 {
		t.Fatalf("expected TrieWorkers 8, got %d", AppConfig.Workers.TrieWorkers)
	}
	if AppConfig.Chain.Name != "bootstrap" {
		t.Fatalf("expected chain name override")
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("chain:\n  name: sandbox\ndatadir:\n  path: /tmp/sandbox-data\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Chain.Name != "sandbox" {
		t.Fatalf("expected chain name sandbox, got %s", AppConfig.Chain.Name)
	}
	if AppConfig.Datadir.Path != "/tmp/sandbox-data" {
		t.Fatalf("expected datadir path override")
	}
}
