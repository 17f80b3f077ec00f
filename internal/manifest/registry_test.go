package manifest

import "testing"

func TestDefaultPresetRegistered(t *testing.T) {
	p, ok := Resolve(DefaultKey())
	if !ok {
		t.Fatalf("default preset should be registered")
	}
	if p.Generation != "eticad-cache-v1" {
		t.Fatalf("unexpected generation: %s", p.Generation)
	}
	if len(p.Assets) != 9 || p.Assets[0] != "/" || p.Assets[1] != "/download" {
		t.Fatalf("unexpected assets: %v", p.Assets)
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	p, _ := Resolve("ETICAD")
	p.Assets[0] = "/mutated"

	again, _ := Resolve("eticad")
	if again.Assets[0] != "/" {
		t.Fatalf("registry assets must not be shared with callers")
	}
}

func TestRegistryRejectsInvalidPresets(t *testing.T) {
	r := newRegistry()
	cases := []Preset{
		{Key: "", Generation: "v1", Assets: []string{"/"}},
		{Key: "a", Generation: "", Assets: []string{"/"}},
		{Key: "a", Generation: "v1"},
	}
	for _, p := range cases {
		if err := r.register(p); err == nil {
			t.Fatalf("expected error for %+v", p)
		}
	}

	if err := r.register(Preset{Key: "demo", Generation: "v1", Assets: []string{"/"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.register(Preset{Key: "Demo", Generation: "v2", Assets: []string{"/"}}); err == nil {
		t.Fatalf("duplicate key should be rejected")
	}
	if got := len(r.list()); got != 1 {
		t.Fatalf("expected 1 preset, got %d", got)
	}
}
