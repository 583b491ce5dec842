package sessionlock

import (
	"context"
	"testing"
	"time"

	"github.com/telyx/turnguard/pkg/contract"
)

func TestMemoryStore_LockAndCheck(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Lock(context.Background(), "sess-1", contract.LockEnumeration, time.Time{}); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	rec, err := s.Check(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec == nil || rec.Reason != contract.LockEnumeration {
		t.Errorf("Check() = %+v, want ENUMERATION lock", rec)
	}
}

func TestMemoryStore_CheckNoLock(t *testing.T) {
	s := NewMemoryStore()
	rec, err := s.Check(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Check() = %+v, want nil for unlocked session", rec)
	}
}

func TestMemoryStore_LockExpires(t *testing.T) {
	s := NewMemoryStore()
	fakeNow := time.Now()
	s.now = func() time.Time { return fakeNow }

	until := fakeNow.Add(time.Minute)
	if err := s.Lock(context.Background(), "sess-1", contract.LockAbuse, until); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	fakeNow = fakeNow.Add(2 * time.Minute)
	rec, err := s.Check(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Check() = %+v after expiry, want nil", rec)
	}
}

func TestMemoryStore_Unlock(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Lock(context.Background(), "sess-1", contract.LockPIIRisk, time.Time{})
	if err := s.Unlock(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	rec, _ := s.Check(context.Background(), "sess-1")
	if rec != nil {
		t.Errorf("Check() = %+v after Unlock, want nil", rec)
	}
}

func TestEnumerationTracker_LocksAtThreshold(t *testing.T) {
	tr := NewEnumerationTracker(3)
	if tr.RecordFailure("sess-1") {
		t.Error("RecordFailure() 1st call = locked, want not yet")
	}
	if tr.RecordFailure("sess-1") {
		t.Error("RecordFailure() 2nd call = locked, want not yet")
	}
	if !tr.RecordFailure("sess-1") {
		t.Error("RecordFailure() 3rd call = not locked, want locked at threshold")
	}
}

func TestEnumerationTracker_ResetClearsCount(t *testing.T) {
	tr := NewEnumerationTracker(3)
	tr.RecordFailure("sess-1")
	tr.RecordFailure("sess-1")
	tr.Reset("sess-1")
	if tr.RecordFailure("sess-1") {
		t.Error("RecordFailure() after Reset = locked on 1st call, want not locked")
	}
}
