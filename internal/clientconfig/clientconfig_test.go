package clientconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func withXDGConfigHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	withXDGConfigHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Contexts) != 0 {
		t.Fatalf("expected no contexts, got %+v", cfg.Contexts)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	withXDGConfigHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Set("prod", Context{Address: "gw.example:8443", Token: "secret"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cfg.Use("prod"); err != nil {
		t.Fatalf("Use: %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	name, ctx, ok := reloaded.Current()
	if !ok || name != "prod" {
		t.Fatalf("Current() = %q, %v, want prod, true", name, ok)
	}
	if ctx.Address != "gw.example:8443" || ctx.Token != "secret" {
		t.Fatalf("context = %+v, want round-tripped values", ctx)
	}
}

func TestUseRejectsUnknownContext(t *testing.T) {
	withXDGConfigHome(t)
	cfg, _ := Load()
	if err := cfg.Use("nope"); err == nil {
		t.Fatal("expected error using an undefined context")
	}
}

func TestRemoveClearsCurrentContext(t *testing.T) {
	withXDGConfigHome(t)
	cfg, _ := Load()
	if err := cfg.Set("a", Context{Address: "x:1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cfg.Use("a")

	if err := cfg.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, ok := cfg.Current(); ok {
		t.Fatal("expected no current context after removing it")
	}
}

func TestSetRejectsEmptyAddress(t *testing.T) {
	withXDGConfigHome(t)
	cfg, _ := Load()
	if err := cfg.Set("bad", Context{Token: "secret"}); err == nil {
		t.Fatal("expected error setting a context with an empty address")
	}
}

func TestContextURLAddsScheme(t *testing.T) {
	cases := map[string]string{
		"gw.example:8443":        "http://gw.example:8443",
		"http://gw.example:8443": "http://gw.example:8443",
		"https://gw.example":     "https://gw.example",
	}
	for addr, want := range cases {
		ctx := Context{Address: addr}
		if got := ctx.URL(); got != want {
			t.Errorf("Context{Address: %q}.URL() = %q, want %q", addr, got, want)
		}
	}
}

func TestContextRedactedMasksToken(t *testing.T) {
	ctx := Context{Address: "gw.example:8443", Token: "secret"}
	red := ctx.Redacted()
	if red.Token == "secret" || red.Token == "" {
		t.Fatalf("Redacted().Token = %q, want masked", red.Token)
	}
	if ctx.Token != "secret" {
		t.Fatal("Redacted() must not mutate the receiver")
	}
}

func TestPathRespectsXDGConfigHome(t *testing.T) {
	dir := withXDGConfigHome(t)
	want := filepath.Join(dir, "gatewayctl", "config.yaml")
	if got := Path(); got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}

func TestPathFallsBackToHomeDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	want := filepath.Join(home, ".config", "gatewayctl", "config.yaml")
	if got := Path(); got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}
