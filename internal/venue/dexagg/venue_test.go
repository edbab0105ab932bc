package dexagg

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"venueworker/internal/venue"
	"venueworker/pkg/types"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUnitConversionRoundTrips(t *testing.T) {
	t.Parallel()
	raw := toUnits(1.5, 18)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if raw.Cmp(want) != 0 {
		t.Errorf("toUnits(1.5, 18) = %s, want %s", raw, want)
	}
	if got := fromUnits(raw, 18); got != 1.5 {
		t.Errorf("fromUnits round trip = %v, want 1.5", got)
	}

	// USDC-style 6 decimals with a value float64 math would smear.
	raw = toUnits(0.1, 6)
	if raw.Cmp(big.NewInt(100000)) != 0 {
		t.Errorf("toUnits(0.1, 6) = %s, want 100000", raw)
	}
}

func TestNonMarketOrdersRejected(t *testing.T) {
	t.Parallel()
	v := NewVenue(Config{Pairs: []Pair{{Symbol: "WETH/USDC"}}}, discardTestLogger())
	v.accounts["A"] = &accountState{}

	_, err := v.PlaceOrders(context.Background(), "A", []venue.OrderRequest{
		{Symbol: "WETH/USDC", Side: types.Buy, Type: types.KindLimit, Price: 100, Amount: 1},
	})
	var verr *venue.Error
	if err == nil {
		t.Fatal("limit order must be rejected")
	}
	if !asVenueErr(err, &verr) || verr.Kind != venue.KindUnsupported {
		t.Errorf("error = %v, want Unsupported", err)
	}
}

func TestCancelIsUnsupported(t *testing.T) {
	t.Parallel()
	v := NewVenue(Config{}, discardTestLogger())
	_, err := v.CancelOrders(context.Background(), "A", []string{"0xdead"})
	var verr *venue.Error
	if !asVenueErr(err, &verr) || verr.Kind != venue.KindUnsupported {
		t.Errorf("error = %v, want Unsupported", err)
	}
}

func asVenueErr(err error, target **venue.Error) bool {
	ve, ok := err.(*venue.Error)
	if ok {
		*target = ve
	}
	return ok
}
