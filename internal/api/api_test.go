package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leverage-engine/internal/engine"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/order"
	"leverage-engine/internal/position"
	"leverage-engine/internal/protocol"
	"leverage-engine/internal/sizing"

	"github.com/shopspring/decimal"
)

type fakeService struct {
	lastInst    protocol.Instrument
	lastAccount string
	lastOpen    engine.OpenRequest
	lastClose   engine.CloseRequest
	lastEvent   string
	err         error
}

func (f *fakeService) GetLiquiditySnapshot(_ context.Context, inst protocol.Instrument) (liquidity.View, error) {
	f.lastInst = inst
	return liquidity.View{Instrument: inst, AvailableLiquidityUSD: "1000"}, f.err
}

func (f *fakeService) GetPositionSnapshot(_ context.Context, inst protocol.Instrument, account string) (position.View, error) {
	f.lastInst = inst
	f.lastAccount = account
	return position.View{Instrument: inst, Account: account, SizeUSD: "0"}, f.err
}

func (f *fakeService) ValidateAndSizePosition(_ context.Context, req engine.SizingRequest) (sizing.View, error) {
	return sizing.View{Instrument: req.Instrument, Leverage: "5"}, f.err
}

func (f *fakeService) SubmitOpenPosition(_ context.Context, req engine.OpenRequest) (engine.SubmitResult, error) {
	f.lastOpen = req
	return engine.SubmitResult{TransactionID: "0xabc", KeeperBlockWindow: 2}, f.err
}

func (f *fakeService) SubmitClosePosition(_ context.Context, req engine.CloseRequest) (engine.SubmitResult, error) {
	f.lastClose = req
	return engine.SubmitResult{TransactionID: "0xdef", FullClose: req.SizeDeltaUSD == ""}, f.err
}

func (f *fakeService) OrderStatus(_ context.Context, tx string) (engine.OrderStatus, error) {
	return engine.OrderStatus{Order: order.Record{TxHash: tx}}, f.err
}

func (f *fakeService) ApplyOrderEvent(_ context.Context, tx, event string) (order.Record, error) {
	f.lastEvent = event
	return order.Record{TxHash: tx, State: order.StateExecuted}, f.err
}

func (f *fakeService) ListOrders(_ context.Context, account string) ([]order.Record, error) {
	f.lastAccount = account
	return nil, f.err
}

type response struct {
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
	Kind   string          `json:"kind"`
	Detail map[string]any  `json:"detail"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out response
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
	}
	return rec.Code, out
}

func TestHealthz(t *testing.T) {
	code, out := do(t, New(&fakeService{}, "", nil, nil), http.MethodGet, "/healthz", "")
	if code != http.StatusOK || !out.OK {
		t.Fatalf("unexpected health %d %+v", code, out)
	}
}

func TestLiquidityDefaultsLongCollateral(t *testing.T) {
	svc := &fakeService{}
	code, out := do(t, New(svc, "", nil, nil), http.MethodGet, "/v1/liquidity?index=eth&side=long", "")
	if code != http.StatusOK || !out.OK {
		t.Fatalf("unexpected response %d %+v", code, out)
	}
	want := protocol.Instrument{Index: protocol.ETH, Collateral: protocol.ETH, Side: protocol.Long}
	if svc.lastInst != want {
		t.Fatalf("expected %v, got %v", want, svc.lastInst)
	}
	var view liquidity.View
	if err := json.Unmarshal(out.Data, &view); err != nil || view.AvailableLiquidityUSD != "1000" {
		t.Fatalf("unexpected data %s (%v)", out.Data, err)
	}
}

func TestLiquidityShortNeedsCollateral(t *testing.T) {
	code, out := do(t, New(&fakeService{}, "", nil, nil), http.MethodGet, "/v1/liquidity?index=BTC&side=short", "")
	if code != http.StatusBadRequest || out.Kind != string(failure.KindValidation) {
		t.Fatalf("expected validation failure, got %d %+v", code, out)
	}
	if out.Detail["bound"] != "collateral" {
		t.Fatalf("expected collateral bound, got %v", out.Detail)
	}
}

func TestPositionRoute(t *testing.T) {
	svc := &fakeService{}
	code, _ := do(t, New(svc, "", nil, nil), http.MethodGet, "/v1/positions/0xabc?index=BTC&collateral=USDC&side=short", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if svc.lastAccount != "0xabc" || svc.lastInst.Collateral != protocol.USDC || svc.lastInst.Side != protocol.Short {
		t.Fatalf("unexpected call %v %s", svc.lastInst, svc.lastAccount)
	}
}

func TestOpenDecodesBody(t *testing.T) {
	svc := &fakeService{}
	body := `{"instrument":{"index_token":"ETH","collateral_token":"ETH","side":"long"},"account":"0x1","size_usd":"100","collateral_usd":"20","slippage_bps":50,"client_order_id":"a-1"}`
	code, out := do(t, New(svc, "", nil, nil), http.MethodPost, "/v1/orders/open", body)
	if code != http.StatusOK || !out.OK {
		t.Fatalf("unexpected response %d %+v", code, out)
	}
	if svc.lastOpen.SizeUSD != "100" || svc.lastOpen.SlippageBps == nil || *svc.lastOpen.SlippageBps != 50 || svc.lastOpen.ClientOrderID != "a-1" {
		t.Fatalf("unexpected request %+v", svc.lastOpen)
	}
	if !strings.Contains(string(out.Data), `"transaction_id":"0xabc"`) {
		t.Fatalf("expected transaction id, got %s", out.Data)
	}
}

func TestCloseRejectsUnknownFields(t *testing.T) {
	code, out := do(t, New(&fakeService{}, "", nil, nil), http.MethodPost, "/v1/orders/close", `{"size":"1"}`)
	if code != http.StatusBadRequest || out.OK {
		t.Fatalf("expected bad request, got %d %+v", code, out)
	}
}

func TestShortfallCarriesAlternatives(t *testing.T) {
	svc := &fakeService{err: &failure.LiquidityShortfallError{
		RequestedUSD: decimal.NewFromInt(50),
		AvailableUSD: decimal.NewFromInt(30),
		Alternatives: []failure.Alternative{{Index: "BTC", Collateral: "BTC", Side: "long", AvailableLiquidity: "60"}},
	}}
	body := `{"instrument":{"index_token":"ETH","collateral_token":"ETH","side":"long"},"account":"0x1","size_usd":"50","collateral_usd":"10"}`
	code, out := do(t, New(svc, "", nil, nil), http.MethodPost, "/v1/sizing", body)
	if code != http.StatusConflict || out.Kind != string(failure.KindLiquidityShortage) {
		t.Fatalf("expected conflict, got %d %+v", code, out)
	}
	if out.Detail["shortfall_usd"] != "20" {
		t.Fatalf("unexpected detail %v", out.Detail)
	}
	alts, _ := out.Detail["alternatives"].([]any)
	if len(alts) != 1 {
		t.Fatalf("expected one alternative, got %v", out.Detail["alternatives"])
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{failure.Validation(order.ErrNotFound, "tx_hash", "missing"), http.StatusNotFound},
		{failure.Validation(failure.ErrMinSize, "size_usd >= 11", "small"), http.StatusBadRequest},
		{failure.Read("poolAmounts", errors.New("boom")), http.StatusBadGateway},
		{failure.Write("createIncreasePosition", errors.New("boom")), http.StatusBadGateway},
		{failure.Invariant("negative"), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &fakeService{err: tc.err}
		code, out := do(t, New(svc, "", nil, nil), http.MethodGet, "/v1/orders/0x01", "")
		if code != tc.want || out.OK || out.Error == "" {
			t.Fatalf("%v: expected %d, got %d %+v", tc.err, tc.want, code, out)
		}
	}
}

func TestOrderEventsAndList(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, "", nil, nil)
	code, _ := do(t, h, http.MethodPost, "/v1/orders/0x01/events", `{"event":"executed"}`)
	if code != http.StatusOK || svc.lastEvent != "executed" {
		t.Fatalf("unexpected event response %d %q", code, svc.lastEvent)
	}
	code, out := do(t, h, http.MethodGet, "/v1/orders?account=0x2", "")
	if code != http.StatusOK || string(out.Data) != "[]" || svc.lastAccount != "0x2" {
		t.Fatalf("unexpected list %d %s", code, out.Data)
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	code, out := do(t, New(&fakeService{}, "", metrics, nil), http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !out.OK {
		t.Fatalf("expected metrics handler, got %d", code)
	}
}
