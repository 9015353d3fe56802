package config

import "testing"

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "control.port")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	// JSON round trip turns ints into float64.
	if val.(float64) != 8081 {
		t.Fatalf("unexpected value: %v", val)
	}
}

func TestGetByPath_Unknown(t *testing.T) {
	cfg := Defaults()
	if _, err := GetByPath(cfg, "control.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, err := GetByPath(cfg, "general.logLevel.deeper"); err == nil {
		t.Fatal("expected error when traversing into a leaf")
	}
}

func TestSetByPath_TypedValues(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "control.port", "9000"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Control.Port != 9000 {
		t.Fatalf("port not updated: %d", cfg.Control.Port)
	}

	if err := SetByPath(cfg, "browser.headless", "true"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if !cfg.Browser.Headless {
		t.Fatal("headless not updated")
	}
}

func TestSetByPath_RejectsInvalidResult(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "parser.maxCalls", "0"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.Parser.MaxCalls != 3 {
		t.Fatalf("config mutated despite validation failure: %d", cfg.Parser.MaxCalls)
	}
}

func TestSanitize_MasksMailCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mail.Username = "bot@example.com"
	cfg.Mail.Password = "hunter2hunter2"

	out := Sanitize(cfg)
	if out.Mail.Password != "***" {
		t.Fatalf("password not masked: %q", out.Mail.Password)
	}
	if out.Mail.Username == "bot@example.com" {
		t.Fatal("username not masked")
	}
	if cfg.Mail.Password != "hunter2hunter2" {
		t.Fatal("original config must not be mutated")
	}
}

func TestListPaths(t *testing.T) {
	paths := ListPaths(Defaults())
	if _, ok := paths["general.logLevel"]; !ok {
		t.Fatal("missing general.logLevel")
	}
	if _, ok := paths["store.dbPath"]; !ok {
		t.Fatal("missing store.dbPath")
	}
}
