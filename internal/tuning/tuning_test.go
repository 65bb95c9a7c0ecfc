package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := []byte("escrow:\n  fee_bps: 250\ndungeon:\n  zone: THE ASHEN HALLS\n")
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Escrow.FeeBps != 250 || tu.Dungeon.Zone != "THE ASHEN HALLS" {
		t.Fatalf("overrides not applied: %+v", tu.Escrow)
	}
	if tu.Escrow.VictoryBonusBps != 5000 || tu.Dungeon.MaxHealth != 100 {
		t.Fatalf("defaults lost: %+v", tu)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("escrow:\n  fee_bps: 20000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadShippedConfig(t *testing.T) {
	if _, err := Load(filepath.Join("..", "..", "configs", "tuning.yaml")); err != nil {
		t.Fatalf("configs/tuning.yaml: %v", err)
	}
}

func TestTierForRoom(t *testing.T) {
	tu := Defaults()
	for room, want := range map[int]int{1: 1, 4: 1, 5: 2, 9: 3, 40: 3} {
		if got := tu.TierForRoom(room); got != want {
			t.Fatalf("room %d: tier %d want %d", room, got, want)
		}
	}
}
