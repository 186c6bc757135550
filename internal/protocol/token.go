package protocol

import (
	"fmt"
	"strings"
)

// Token enumerates every asset the engine knows how to address. Addresses and
// decimals come from the injected Network, never from package state.
type Token int

const (
	TokenUnknown Token = iota
	ETH
	BTC
	LINK
	UNI
	USDC
	USDT
	tokenCount
)

var tokenSymbols = [tokenCount]string{
	TokenUnknown: "",
	ETH:          "ETH",
	BTC:          "BTC",
	LINK:         "LINK",
	UNI:          "UNI",
	USDC:         "USDC",
	USDT:         "USDT",
}

// AllTokens returns every known token in declaration order.
func AllTokens() []Token {
	out := make([]Token, 0, tokenCount-1)
	for t := TokenUnknown + 1; t < tokenCount; t++ {
		out = append(out, t)
	}
	return out
}

func (t Token) Valid() bool {
	return t > TokenUnknown && t < tokenCount
}

func (t Token) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Token(%d)", int(t))
	}
	return tokenSymbols[t]
}

func ParseToken(symbol string) (Token, error) {
	clean := strings.ToUpper(strings.TrimSpace(symbol))
	switch clean {
	case "WETH":
		return ETH, nil
	case "WBTC":
		return BTC, nil
	}
	for t := TokenUnknown + 1; t < tokenCount; t++ {
		if tokenSymbols[t] == clean {
			return t, nil
		}
	}
	return TokenUnknown, fmt.Errorf("unknown token %q", symbol)
}

func (t Token) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid token %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(text []byte) error {
	parsed, err := ParseToken(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
