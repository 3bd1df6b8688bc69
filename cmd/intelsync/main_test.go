package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/intelsync/intelsync"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestCLI_KeygenCreateSync(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "intelsync.yaml")
	cfgYAML := "db_path: " + filepath.Join(dir, "intelsync.db") + "\n" +
		"ledger:\n  db_path: " + filepath.Join(dir, "ledger.db") + "\n" +
		"wallet:\n  keystore: " + filepath.Join(dir, "wallet.json") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(intelsync.DefaultPassphraseEnv, "correct horse")

	if err := run(t, "-c", cfgPath, "--log-level", "error", "keygen"); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := run(t, "-c", cfgPath, "keygen"); err == nil {
		t.Fatal("keygen must refuse to overwrite")
	}
	if err := run(t, "-c", cfgPath, "report", "create", "--title", "Roadblock", "--lat", "48.85", "--lon", "2.35", "--submit"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := run(t, "-c", cfgPath, "report", "create", "--title", "Draft only"); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if err := run(t, "-c", cfgPath, "settings", "set", "--batch-size", "5"); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if err := run(t, "-c", cfgPath, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := run(t, "-c", cfgPath, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}

	cfg, err := intelsync.LoadConfigFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := intelsync.New(cfg, newLogger("error"))
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	stats, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.SuccessfulSyncs != 1 || stats.Drafts != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	st, _ := eng.Settings().Get(context.Background())
	if st.BatchSize != 5 {
		t.Fatalf("batch size = %d", st.BatchSize)
	}
}

func TestCLI_SyncWithoutKeystore(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	err := run(t, "--db", filepath.Join(dir, "local.db"), "--log-level", "error", "sync")
	if err == nil {
		t.Fatal("sync without a signer must fail")
	}
}

func TestCLI_RouteValidation(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "local.db")
	if err := run(t, "--db", db, "route", "set", "ledger_submit_report", "http"); err == nil {
		t.Fatal("http route without endpoint must fail")
	}
	if err := run(t, "--db", db, "route", "set", "ledger_submit_report", "carrier-pigeon", "x"); err == nil {
		t.Fatal("unknown strategy must fail")
	}
	if err := run(t, "--db", db, "route", "set", "ledger_submit_report", "noop"); err != nil {
		t.Fatalf("noop route: %v", err)
	}
}
