package timescale

import (
	"context"
	"testing"
	"time"

	"leverage-engine/internal/config"
)

func TestNewDisabled(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, nil)
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v (%v)", w, err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	ctx := context.Background()
	w.WriteLiquidity(ctx, LiquidityRow{})
	w.WritePosition(ctx, PositionRow{})
	w.WriteOrder(ctx, OrderRow{})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInsertQuery(t *testing.T) {
	got := insertQuery("public.order_requests", []string{"ts", "id", "state"})
	want := "INSERT INTO public.order_requests (ts, id, state) VALUES ($1,$2,$3)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestArgsMatchColumns(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		columns []string
		args    []any
	}{
		{"liquidity", liquidityColumns, liquidityArgs(LiquidityRow{Time: now})},
		{"position", positionColumns, positionArgs(PositionRow{Time: now})},
		{"order", orderColumns, orderArgs(OrderRow{Time: now})},
	}
	for _, tc := range cases {
		if len(tc.columns) != len(tc.args) {
			t.Fatalf("%s: %d columns but %d args", tc.name, len(tc.columns), len(tc.args))
		}
		if tc.args[0] != now {
			t.Fatalf("%s: expected timestamp first", tc.name)
		}
	}
}
