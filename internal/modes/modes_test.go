package modes

import "testing"

func TestResolve(t *testing.T) {
	fast, ok := Resolve("fast")
	if !ok {
		t.Fatalf("fast mode must exist")
	}
	if fast.Model != "gemini-2.5-flash" || fast.FallbackModel != BaselineModel {
		t.Fatalf("unexpected fast mode %+v", fast)
	}
	if fast.ThinkingEnabled {
		t.Fatalf("fast mode must not think")
	}

	think, _ := Resolve("think")
	if !think.ThinkingEnabled {
		t.Fatalf("think mode must think")
	}

	advanced, _ := Resolve("advanced")
	if advanced.Model != "gemini-2.5-pro" || advanced.FallbackModel != "gemini-2.5-flash" {
		t.Fatalf("unexpected advanced mode %+v", advanced)
	}

	if _, ok := Resolve("turbo"); ok {
		t.Fatalf("unknown mode must not resolve")
	}
	if _, ok := Resolve(""); ok {
		t.Fatalf("empty mode must not resolve")
	}
}

func TestDailyLimits(t *testing.T) {
	for _, m := range All() {
		if m.DailyLimit <= 0 {
			t.Errorf("mode %s has no daily limit", m.ID)
		}
	}
	fast, _ := Resolve("fast")
	think, _ := Resolve("think")
	if fast.DailyLimit <= think.DailyLimit {
		t.Fatalf("fast mode should have the larger budget")
	}
}

func TestAllIsStable(t *testing.T) {
	a, b := All(), All()
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("expected 3 modes")
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("ordering must be deterministic")
		}
	}
}
