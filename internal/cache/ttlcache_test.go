package cache

import (
	"testing"
	"time"
)

func TestTTLCache_SetGet(t *testing.T) {
	c := NewTTLCache[string](time.Minute, 100)

	if _, ok := c.Get("missing"); ok {
		t.Error("expected ok=false for missing key")
	}

	c.Set("key1", "value1")
	v, ok := c.Get("key1")
	if !ok || v != "value1" {
		t.Errorf("Get(key1) = %q, %v; want value1, true", v, ok)
	}
}

func TestTTLCache_Expiry(t *testing.T) {
	c := NewTTLCache[int](100*time.Millisecond, 100)
	base := time.Now()

	c.SetAt("key1", 42, base)
	if v, ok := c.GetAt("key1", base.Add(50*time.Millisecond)); !ok || v != 42 {
		t.Errorf("expected value within TTL, got %v, %v", v, ok)
	}
	if _, ok := c.GetAt("key1", base.Add(150*time.Millisecond)); ok {
		t.Error("expected expiry after TTL elapsed")
	}
}

func TestTTLCache_EmptyKey(t *testing.T) {
	c := NewTTLCache[string](time.Minute, 100)
	c.Set("", "ignored")
	if _, ok := c.Get(""); ok {
		t.Error("expected empty key to never be stored")
	}
}

func TestTTLCache_MaxSizeEvictsOldest(t *testing.T) {
	c := NewTTLCache[int](time.Hour, 2)
	base := time.Now()

	c.SetAt("a", 1, base)
	c.SetAt("b", 2, base.Add(time.Millisecond))
	c.SetAt("c", 3, base.Add(2*time.Millisecond))

	if _, ok := c.Get("a"); ok {
		t.Error("expected oldest entry 'a' to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected 'b' to still be present")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected 'c' to still be present")
	}
	if c.Size() > 2 {
		t.Errorf("Size() = %d, want <= 2", c.Size())
	}
}

func TestTTLCache_ZeroTTLNeverExpires(t *testing.T) {
	c := NewTTLCache[string](0, 10)
	base := time.Now()
	c.SetAt("key1", "sticks around", base)
	if _, ok := c.GetAt("key1", base.Add(365*24*time.Hour)); !ok {
		t.Error("expected zero TTL to mean no expiry")
	}
}
