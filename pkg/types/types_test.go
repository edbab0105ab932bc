package types

import "testing"

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderOpen, false},
		{OrderClosed, true},
		{OrderCanceled, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestNewAccountShardZeroInitialized(t *testing.T) {
	t.Parallel()

	shard := NewAccountShard()

	if shard.Balance != (Balance{}) {
		t.Errorf("balance = %+v, want zero value", shard.Balance)
	}
	if len(shard.Positions) != 0 || shard.Positions == nil {
		t.Error("positions must be an empty, non-nil slice")
	}
	if len(shard.Orders) != 0 || shard.Orders == nil {
		t.Error("orders must be an empty, non-nil slice")
	}
	if shard.Metadata.Leverage == nil || shard.Metadata.HedgedPosition == nil {
		t.Error("metadata maps must be initialized, not nil")
	}
	if len(shard.Metadata.Leverage) != 0 || len(shard.Metadata.HedgedPosition) != 0 {
		t.Error("metadata maps must start empty")
	}
}

func TestNewVenueShardInitializedMaps(t *testing.T) {
	t.Parallel()

	shard := NewVenueShard()

	if shard.Loaded.Markets || shard.Loaded.Tickers {
		t.Error("a fresh shard must start unloaded")
	}
	if shard.Public.Tickers == nil || shard.Public.Markets == nil {
		t.Error("public caches must be initialized, not nil")
	}
	if shard.Private == nil {
		t.Error("private map must be initialized, not nil")
	}
}
