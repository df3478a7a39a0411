package cron

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []string{
		"* * * * *",
		"*/30 * * * *",
		"0 9 * * 1-5",
		"15,45 8-18 * * *",
		"0 0 1 1 *",
	}
	for _, expr := range valid {
		if err := Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		"* * * *",       // four fields
		"* * * * * *",   // six fields
		"60 * * * *",    // minute out of range
		"0 25 * * *",    // hour out of range
		"@hourly",       // descriptors not supported
		"not a cron",
	}
	for _, expr := range invalid {
		if err := Validate(expr); err == nil {
			t.Errorf("Validate(%q) = nil, want error", expr)
		}
	}
}

func TestNextStrictlyLater(t *testing.T) {
	t.Parallel()

	after := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)

	// Reference instant exactly on a trigger boundary must advance to the
	// following one, never return the boundary itself.
	next, err := Next("*/30 * * * *", "UTC", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !next.After(after) {
		t.Errorf("next = %v, not strictly after %v", next, after)
	}
	want := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextHalfHour(t *testing.T) {
	t.Parallel()

	// Job created at 10:05 UTC with "*/30 * * * *" fires next at 10:30 UTC.
	after := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	next, err := Next("*/30 * * * *", "UTC", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextTimezone(t *testing.T) {
	t.Parallel()

	// "0 9 * * *" in New York is 13:00 or 14:00 UTC depending on DST.
	after := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC) // EST, UTC-5
	next, err := Next("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v (%v UTC), want %v", next, next.UTC(), want)
	}

	// Same expression in July (EDT, UTC-4).
	after = time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)
	next, err = Next("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want = time.Date(2025, 7, 15, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v (%v UTC), want %v", next, next.UTC(), want)
	}
}

func TestNextEmptyTimezoneIsUTC(t *testing.T) {
	t.Parallel()

	after := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	next, err := Next("0 0 * * *", "", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextDeterministic(t *testing.T) {
	t.Parallel()

	after := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	first, err := Next("15,45 8-18 * * *", "Europe/Paris", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	second, err := Next("15,45 8-18 * * *", "Europe/Paris", after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("two evaluations differ: %v vs %v", first, second)
	}
}

func TestNextErrors(t *testing.T) {
	t.Parallel()

	after := time.Now()

	if _, err := Next("bogus", "UTC", after); err == nil {
		t.Error("expected error for malformed expression")
	}
	if _, err := Next("* * * * *", "Not/AZone", after); err == nil {
		t.Error("expected error for unknown timezone")
	}
	// Feb 30 never exists; the search must fail rather than loop forever.
	if _, err := Next("0 0 30 2 *", "UTC", after); err == nil {
		t.Error("expected error for unreachable schedule")
	}
}

func FuzzValidate(f *testing.F) {
	f.Add("*/5 * * * *")
	f.Add("0 0 * * *")
	f.Add("0 0 1 1 *")
	f.Add("* * * * *")
	f.Add("invalid")
	f.Add("")
	f.Add("60 * * * *")
	f.Add("0 25 * * *")

	f.Fuzz(func(_ *testing.T, expr string) {
		// Must not panic — errors are expected and acceptable.
		_ = Validate(expr)
	})
}
