package catalog

import "testing"

func testCatalog() *Catalog {
	return New(map[string]map[string]map[string]string{
		"session_locked": {
			"en": {"default|info": "Your session is temporarily paused."},
			"tr": {"default|info": "Oturumunuz geçici olarak duraklatıldı."},
		},
		"not_found": {
			"en": {"default|info": "We couldn't find that record."},
		},
	})
}

func TestResolve_LanguageMatch(t *testing.T) {
	c := testCatalog()
	got := c.Resolve("", Key{Name: "session_locked", Language: "tr"})
	want := "Oturumunuz geçici olarak duraklatıldı."
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_FallsBackToEnglish(t *testing.T) {
	c := testCatalog()
	got := c.Resolve("", Key{Name: "not_found", Language: "fr"})
	want := "We couldn't find that record."
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_TenantOverrideWins(t *testing.T) {
	c := testCatalog().WithTenant("biz-1", map[string]map[string]map[string]string{
		"session_locked": {"en": {"default|info": "Biz-1 custom lock message."}},
	})
	got := c.Resolve("biz-1", Key{Name: "session_locked", Language: "en"})
	if got != "Biz-1 custom lock message." {
		t.Errorf("Resolve() = %q, want tenant override", got)
	}

	gotOther := c.Resolve("biz-2", Key{Name: "session_locked", Language: "en"})
	if gotOther != "Your session is temporarily paused." {
		t.Errorf("Resolve() for biz-2 = %q, want default (no override)", gotOther)
	}
}

func TestResolve_UnknownKeyReturnsGenericFallback(t *testing.T) {
	c := testCatalog()
	got := c.Resolve("", Key{Name: "totally_unknown", Language: "en"})
	if got == "" {
		t.Error("Resolve() = empty, want a non-empty generic fallback")
	}
}

func TestResolve_DirectiveAndSeverityVary(t *testing.T) {
	c := New(map[string]map[string]map[string]string{
		"pii_lock": {
			"en": {
				"default|info":     "standard notice",
				"default|critical": "urgent notice",
			},
		},
	})
	info := c.Resolve("", Key{Name: "pii_lock", Language: "en", Severity: "info"})
	critical := c.Resolve("", Key{Name: "pii_lock", Language: "en", Severity: "critical"})
	if info == critical {
		t.Errorf("Resolve() with different severities returned the same text: %q", info)
	}
}
