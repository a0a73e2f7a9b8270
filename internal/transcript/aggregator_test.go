package transcript

import (
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
}

func TestAggregator_FlushBoth(t *testing.T) {
	agg := NewAggregator(fixedClock())

	agg.AppendLocal("माझ्या कापसावर ")
	agg.AppendLocal("कीड आली आहे")
	agg.AppendRemote("काळजी करू नका, ")
	agg.AppendRemote("फवारणी करा.")

	local, remote := agg.Partial()
	if local != "माझ्या कापसावर कीड आली आहे" {
		t.Errorf("Unexpected local partial %q", local)
	}
	if remote != "काळजी करू नका, फवारणी करा." {
		t.Errorf("Unexpected remote partial %q", remote)
	}

	flushed := agg.Flush()
	if len(flushed) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(flushed))
	}
	if flushed[0].Role != RoleUser || flushed[1].Role != RoleModel {
		t.Errorf("Expected user then model, got %s then %s", flushed[0].Role, flushed[1].Role)
	}
	if flushed[0].ID == "" || flushed[0].ID == flushed[1].ID {
		t.Error("Expected distinct turn ids")
	}
	if flushed[1].Timestamp.Before(flushed[0].Timestamp) {
		t.Error("Turn timestamps must not decrease")
	}

	local, remote = agg.Partial()
	if local != "" || remote != "" {
		t.Errorf("Expected empty accumulators after flush, got %q / %q", local, remote)
	}
}

func TestAggregator_SkipsEmpty(t *testing.T) {
	agg := NewAggregator(nil)

	agg.AppendRemote("Namaskar")
	agg.AppendLocal("   ")

	flushed := agg.Flush()
	if len(flushed) != 1 || flushed[0].Role != RoleModel {
		t.Fatalf("Expected a single model turn, got %+v", flushed)
	}

	if flushed := agg.Flush(); len(flushed) != 0 {
		t.Errorf("Expected no turns from empty accumulators, got %d", len(flushed))
	}
}

func TestAggregator_TurnsAreCopies(t *testing.T) {
	agg := NewAggregator(fixedClock())

	agg.AppendLocal("first")
	agg.Flush()
	agg.AppendRemote("second")
	agg.Flush()

	turns := agg.Turns()
	if len(turns) != 2 || agg.Len() != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(turns))
	}
	if turns[0].Text != "first" || turns[1].Text != "second" {
		t.Errorf("Turns out of insertion order: %+v", turns)
	}

	turns[0].Text = "edited"
	if agg.Turns()[0].Text != "first" {
		t.Error("Mutating a returned turn changed the log")
	}
}
