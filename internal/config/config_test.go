package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Accumulator.TableSize = 1024
	cfg.Pyramid.Width = 5
	cfg.Storage.FreemapStrategy = "best"

	path := filepath.Join(t.TempDir(), "corendex.toml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Accumulator.TableSize != 1024 {
		t.Errorf("TableSize = %d, want 1024", got.Accumulator.TableSize)
	}
	if got.Pyramid.Width != 5 {
		t.Errorf("Width = %d, want 5", got.Pyramid.Width)
	}
	if got.Storage.FreemapStrategy != "best" {
		t.Errorf("FreemapStrategy = %q, want best", got.Storage.FreemapStrategy)
	}
}

func TestLoadZeroedSectionsFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.toml")
	if err := Save(path, Config{Version: 1, Pyramid: PyramidConfig{Width: 16, BigThreshold: 1, BufferSizeBytes: 1}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation failure for zeroed accumulator/merge/storage sections, got %+v", got)
	}
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := Default()
	cfg.Storage.FreemapStrategy = "random"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown freemap strategy")
	}
}

func TestValidateRejectsNarrowPyramid(t *testing.T) {
	cfg := Default()
	cfg.Pyramid.Width = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pyramid width below 2")
	}
}

func TestStrategyResolvesAllNames(t *testing.T) {
	for _, name := range []string{"first", "close", "best", "worst"} {
		s := StorageConfig{FDPoolCapacity: 1, FreemapStrategy: name}
		if _, err := s.Strategy(); err != nil {
			t.Errorf("Strategy(%q): %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
