package app

import (
	"context"
	"time"

	"leverage-engine/internal/amount"
	"leverage-engine/internal/engine"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/order"
	"leverage-engine/internal/position"
	"leverage-engine/internal/timescale"
)

type timescaleRecorder struct {
	writer *timescale.Writer
	now    func() time.Time
}

func recorderFor(writer *timescale.Writer) engine.Recorder {
	if writer == nil {
		return nil
	}
	return &timescaleRecorder{writer: writer, now: time.Now}
}

func (r *timescaleRecorder) RecordLiquidity(ctx context.Context, snap liquidity.Snapshot) {
	r.writer.WriteLiquidity(ctx, liquidityRow(r.now().UTC(), snap))
}

func (r *timescaleRecorder) RecordPosition(ctx context.Context, snap position.Snapshot) {
	r.writer.WritePosition(ctx, positionRow(r.now().UTC(), snap))
}

func (r *timescaleRecorder) RecordOrder(ctx context.Context, rec order.Record) {
	r.writer.WriteOrder(ctx, orderRow(rec))
}

func liquidityRow(now time.Time, snap liquidity.Snapshot) timescale.LiquidityRow {
	v := snap.View()
	return timescale.LiquidityRow{
		Time:                  now,
		IndexToken:            snap.Instrument.Index.String(),
		CollateralToken:       snap.Instrument.Collateral.String(),
		Side:                  snap.Instrument.Side.String(),
		PoolAmount:            v.PoolAmount,
		ReservedAmount:        v.ReservedAmount,
		AvailableLiquidity:    v.AvailableLiquidity,
		AvailableLiquidityUSD: v.AvailableLiquidityUSD,
		MaxGlobalSize:         v.MaxPositionSize,
		FundingRateCumulative: v.FundingRateCumulative,
		OraclePriceUSD:        v.OraclePriceUSD,
		MaxLeverage:           v.MaxLeverage,
	}
}

func positionRow(now time.Time, snap position.Snapshot) timescale.PositionRow {
	v := snap.View()
	return timescale.PositionRow{
		Time:             now,
		Account:          v.Account,
		IndexToken:       snap.Instrument.Index.String(),
		CollateralToken:  snap.Instrument.Collateral.String(),
		Side:             snap.Instrument.Side.String(),
		HasPosition:      v.HasPosition,
		SizeUSD:          v.SizeUSD,
		CollateralUSD:    v.CollateralUSD,
		AveragePrice:     v.AveragePrice,
		MarkPrice:        amount.FixedToUSD(snap.CurrentPrice).String(),
		UnrealizedPnlUSD: v.UnrealizedPnlUSD,
		UnrealizedPnlPct: v.UnrealizedPnlPct,
		FundingFeeUSD:    v.FundingFeeUSD,
		Leverage:         v.Leverage,
	}
}

func orderRow(rec order.Record) timescale.OrderRow {
	return timescale.OrderRow{
		Time:            rec.SubmittedAt,
		ID:              rec.ID,
		TxHash:          rec.TxHash,
		Kind:            string(rec.Kind),
		Account:         rec.Account,
		IndexToken:      rec.Instrument.Index.String(),
		CollateralToken: rec.Instrument.Collateral.String(),
		Side:            rec.Instrument.Side.String(),
		SizeDeltaUSD:    rec.SizeDeltaUSD,
		AcceptablePrice: rec.AcceptablePrice,
		ExecutionFeeWei: rec.ExecutionFeeWei,
		State:           string(rec.State),
	}
}
