package store

import (
	"reflect"
	"testing"
)

func TestUpdateCreatesIntermediateObjects(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("polymarket.public.tickers.BTC.bid", 100.5),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	var bid float64
	if err := s.Decode("polymarket.public.tickers.BTC.bid", &bid); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if bid != 100.5 {
		t.Errorf("bid = %v, want 100.5", bid)
	}
}

func TestUpdateArrayAppendAtLength(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("polymarket.private.A.orders.0.id", "o1"),
		UpdateCmd("polymarket.private.A.orders.1.id", "o2"),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	var ids []struct {
		ID string `json:"id"`
	}
	if err := s.Decode("polymarket.private.A.orders", &ids); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ids) != 2 || ids[0].ID != "o1" || ids[1].ID != "o2" {
		t.Errorf("orders = %+v, want [{o1} {o2}]", ids)
	}
}

func TestUpdateArrayOutOfBoundsRejected(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.EmitChanges([]Command{
		UpdateCmd("a.orders.5.id", "x"),
	})
	if err == nil {
		t.Fatal("expected error writing past array length+1")
	}
}

func TestTypePreservingRejectsScalarOverObject(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("polymarket.public.latency", 12.0),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	_, err := s.EmitChanges([]Command{
		UpdateCmd("polymarket.public", 5.0),
	})
	if err == nil {
		t.Fatal("expected type-mismatch error overwriting an object with a scalar")
	}
}

func TestRemoveArrayElementShiftsIndices(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("a.items.0", "x"),
		UpdateCmd("a.items.1", "y"),
		UpdateCmd("a.items.2", "z"),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	if _, err := s.EmitChanges([]Command{
		RemoveArrayElementCmd("a.items", 0),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	var items []string
	if err := s.Decode("a.items", &items); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(items, []string{"y", "z"}) {
		t.Errorf("items = %v, want [y z]", items)
	}
}

func TestRemoveObjectKey(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("polymarket.private.A.balance.total", 100.0),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	if _, err := s.EmitChanges([]Command{
		RemoveObjectKeyCmd("polymarket.private", "A"),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}

	var private map[string]any
	if err := s.Decode("polymarket.private", &private); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := private["A"]; ok {
		t.Error("key A should have been removed")
	}
}

// TestMutationReplayEquality checks that replaying the
// emitted command sequence onto a deep clone of the pre-batch store yields
// a structure equal to the worker's post-batch local store.
func TestMutationReplayEquality(t *testing.T) {
	t.Parallel()
	primary := New()

	batch := []Command{
		UpdateCmd("polymarket.public.tickers.BTC.bid", 100.0),
		UpdateCmd("polymarket.public.tickers.BTC.ask", 101.0),
		UpdateCmd("polymarket.private.A.positions.0.symbol", "BTC"),
		UpdateCmd("polymarket.private.A.positions.0.notional", 500.0),
	}

	pre := primary.Snapshot()
	applied, err := primary.EmitChanges(batch)
	if err != nil {
		t.Fatalf("EmitChanges on primary: %v", err)
	}
	post := primary.Snapshot()

	mirror := &Store{root: pre}
	if _, err := mirror.EmitChanges(applied); err != nil {
		t.Fatalf("EmitChanges on mirror: %v", err)
	}
	mirrorPost := mirror.Snapshot()

	if !reflect.DeepEqual(post, mirrorPost) {
		t.Errorf("replay mismatch:\nprimary=%+v\nmirror =%+v", post, mirrorPost)
	}
}

func TestApplyingCurrentValueIsNoOp(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("a.b", 42.0),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}
	before := s.Snapshot()

	if _, err := s.EmitChanges([]Command{
		UpdateCmd("a.b", 42.0),
	}); err != nil {
		t.Fatalf("EmitChanges: %v", err)
	}
	after := s.Snapshot()

	if !reflect.DeepEqual(before, after) {
		t.Errorf("re-applying the current value changed the store: before=%+v after=%+v", before, after)
	}
}
