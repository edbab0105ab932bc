package api

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"venueworker/internal/config"
	"venueworker/internal/store"
	"venueworker/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{Enabled: true, Port: 0}
}

func TestApplyReplaysUpdatesIntoMirror(t *testing.T) {
	t.Parallel()
	s := NewServer(testServerConfig(), nil, discardLogger())

	s.Apply("fake", worker.Event{Kind: worker.EvUpdate, Changes: []store.Command{
		store.UpdateCmd("fake.loaded.markets", true),
		store.UpdateCmd("fake.public.tickers.BTC.bid", 99.5),
	}})

	var bid float64
	if err := s.Mirror().Decode("fake.public.tickers.BTC.bid", &bid); err != nil {
		t.Fatal(err)
	}
	if bid != 99.5 {
		t.Errorf("mirror bid = %v, want 99.5", bid)
	}
}

// The mirror must converge to whatever a worker-side store holds after
// replaying the identical command sequence.
func TestMirrorConvergesWithSource(t *testing.T) {
	t.Parallel()
	s := NewServer(testServerConfig(), nil, discardLogger())
	source := store.New()

	batches := [][]store.Command{
		{store.UpdateCmd("fake.private.A.positions.0", map[string]any{"symbol": "BTC", "contracts": 2.0})},
		{store.UpdateCmd("fake.private.A.positions.1", map[string]any{"symbol": "ETH", "contracts": 1.0})},
		{store.RemoveArrayElementCmd("fake.private.A.positions", 0)},
		{store.RemoveObjectKeyCmd("fake.private", "B")},
	}
	for _, batch := range batches {
		if _, err := source.EmitChanges(batch); err != nil {
			t.Fatal(err)
		}
		s.Apply("fake", worker.Event{Kind: worker.EvUpdate, Changes: batch})
	}

	if !reflect.DeepEqual(source.Snapshot(), s.Mirror().Snapshot()) {
		t.Error("mirror diverged from source after replay")
	}
}

func TestApplyIgnoresUnknownEventKinds(t *testing.T) {
	t.Parallel()
	s := NewServer(testServerConfig(), nil, discardLogger())
	s.Apply("fake", worker.Event{Kind: "bogus"})
	if len(s.Mirror().Snapshot()) != 0 {
		t.Error("unknown event must not touch the mirror")
	}
}
