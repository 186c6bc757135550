package protocol

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testContracts() Contracts {
	return Contracts{
		Vault:          common.HexToAddress("0x01"),
		PriceFeed:      common.HexToAddress("0x02"),
		Router:         common.HexToAddress("0x03"),
		PositionRouter: common.HexToAddress("0x04"),
	}
}

func testTokens() map[Token]TokenInfo {
	tokens := make(map[Token]TokenInfo)
	for _, t := range AllTokens() {
		tokens[t] = TokenInfo{Address: common.BigToAddress(big.NewInt(0x100 + int64(t))), Decimals: 18}
	}
	tokens[ETH] = TokenInfo{Address: tokens[ETH].Address, Decimals: 18, Native: true}
	tokens[USDC] = TokenInfo{Address: tokens[USDC].Address, Decimals: 6, Stable: true}
	tokens[USDT] = TokenInfo{Address: tokens[USDT].Address, Decimals: 6, Stable: true}
	return tokens
}

func testNetwork(t *testing.T) *Network {
	t.Helper()
	n, err := NewNetwork("test", 42161, testContracts(), testTokens())
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	return n
}

func TestParseToken(t *testing.T) {
	cases := map[string]Token{
		"eth":   ETH,
		" WETH": ETH,
		"wbtc":  BTC,
		"LINK":  LINK,
		"usdc":  USDC,
	}
	for in, want := range cases {
		got, err := ParseToken(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseToken("DOGE"); err == nil {
		t.Fatalf("expected unknown token error")
	}
}

func TestInstrumentJSON(t *testing.T) {
	inst := Instrument{Index: BTC, Collateral: USDC, Side: Short}
	data, err := json.Marshal(inst)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"index_token":"BTC","collateral_token":"USDC","side":"short"}` {
		t.Fatalf("unexpected json %s", data)
	}
	var decoded Instrument
	if err := json.Unmarshal([]byte(`{"index_token":"weth","collateral_token":"WETH","side":"buy"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != (Instrument{Index: ETH, Collateral: ETH, Side: Long}) {
		t.Fatalf("unexpected instrument %s", decoded)
	}
}

func TestNewNetworkRejectsMissingToken(t *testing.T) {
	tokens := testTokens()
	delete(tokens, UNI)
	if _, err := NewNetwork("test", 1, testContracts(), tokens); err == nil || !strings.Contains(err.Error(), "UNI") {
		t.Fatalf("expected missing UNI error, got %v", err)
	}
}

func TestNewNetworkRejectsDuplicateAddress(t *testing.T) {
	tokens := testTokens()
	link := tokens[LINK]
	link.Address = tokens[UNI].Address
	tokens[LINK] = link
	if _, err := NewNetwork("test", 1, testContracts(), tokens); err == nil {
		t.Fatalf("expected duplicate address error")
	}
}

func TestNewNetworkRejectsMissingContract(t *testing.T) {
	contracts := testContracts()
	contracts.Router = common.Address{}
	if _, err := NewNetwork("test", 1, contracts, testTokens()); err == nil || !strings.Contains(err.Error(), "router") {
		t.Fatalf("expected router error, got %v", err)
	}
}

func TestTokenByAddress(t *testing.T) {
	n := testNetwork(t)
	info, _ := n.Token(LINK)
	got, ok := n.TokenByAddress(info.Address)
	if !ok || got != LINK {
		t.Fatalf("expected LINK, got %s (%v)", got, ok)
	}
	if _, ok := n.TokenByAddress(common.HexToAddress("0xdead")); ok {
		t.Fatalf("expected unknown address miss")
	}
}

func TestIndexTokensExcludeStables(t *testing.T) {
	n := testNetwork(t)
	got := n.IndexTokens()
	want := []Token{ETH, BTC, LINK, UNI}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestValidateInstrument(t *testing.T) {
	n := testNetwork(t)
	valid := []Instrument{
		{Index: ETH, Collateral: ETH, Side: Long},
		{Index: BTC, Collateral: BTC, Side: Long},
		{Index: ETH, Collateral: USDC, Side: Short},
		{Index: UNI, Collateral: USDT, Side: Short},
	}
	for _, inst := range valid {
		if err := n.ValidateInstrument(inst); err != nil {
			t.Fatalf("%s: unexpected error %v", inst, err)
		}
	}
	invalid := []Instrument{
		{Index: ETH, Collateral: USDC, Side: Long},
		{Index: ETH, Collateral: BTC, Side: Short},
		{Index: USDC, Collateral: USDC, Side: Short},
		{Index: TokenUnknown, Collateral: ETH, Side: Long},
	}
	for _, inst := range invalid {
		if err := n.ValidateInstrument(inst); err == nil {
			t.Fatalf("%s: expected error", inst)
		}
	}
}
