package protocol

import (
	"bytes"
	"encoding/json"
	"math/big"
	"regexp"
	"strings"

	"agt20-indexer/internal/domain"
)

// ID is the protocol identifier carried in the "p" field.
const ID = "agt-20"

// MaxAmountDigits bounds the decimal text of an amount. 2^256-1 has 78 digits.
const MaxAmountDigits = 78

// MaxAmount is the largest accepted amount, 2^256-1, so every value fits
// NUMERIC(78,0), the archive's UInt256 and an on-chain uint256.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// embedded matches the first flat JSON object tagged with the protocol id.
var embedded = regexp.MustCompile(`(?i)\{[^{}]*"p"\s*:\s*"agt-20"[^{}]*\}`)

// Parse extracts the first agt-20 operation embedded in free text.
// It returns ok=false for text without a well-formed operation. Parse never
// fails: malformed payloads are treated as unrelated text.
func Parse(text string) (op Operation, ok bool) {
	match := embedded.FindString(text)
	if match == "" {
		return nil, false
	}

	fields, ok := decodeObject(match)
	if !ok {
		return nil, false
	}

	tag, ok := protocolTag(fields)
	if !ok || !strings.EqualFold(tag, ID) {
		return nil, false
	}

	kind, ok := stringField(fields, "op")
	if !ok {
		return nil, false
	}

	tick, ok := tickField(fields)
	if !ok {
		return nil, false
	}

	switch domain.OpKind(kind) {
	case domain.OpDeploy:
		maxSupply, ok1 := amountField(fields, "max")
		limit, ok2 := amountField(fields, "lim")
		if !ok1 || !ok2 {
			return nil, false
		}
		return Deploy{Tick: tick, Max: maxSupply, Lim: limit}, true

	case domain.OpMint:
		amt, ok := amountField(fields, "amt")
		if !ok {
			return nil, false
		}
		m := Mint{Tick: tick, Amt: amt}
		if raw, present := fields["blessing"]; present {
			var b string
			if json.Unmarshal(raw, &b) != nil {
				return nil, false
			}
			m.Blessing = b
		}
		return m, true

	case domain.OpTransfer:
		amt, ok1 := amountField(fields, "amt")
		to, ok2 := stringField(fields, "to")
		to = strings.TrimSpace(to)
		if !ok1 || !ok2 || to == "" {
			return nil, false
		}
		return Transfer{Tick: tick, Amt: amt, To: to}, true

	case domain.OpBurn:
		amt, ok := amountField(fields, "amt")
		if !ok {
			return nil, false
		}
		return Burn{Tick: tick, Amt: amt}, true
	}

	return nil, false
}

func decodeObject(s string) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// protocolTag reads the "p" field. Only this key is matched case-insensitively.
func protocolTag(fields map[string]json.RawMessage) (string, bool) {
	if _, ok := fields["p"]; ok {
		return stringField(fields, "p")
	}
	return stringField(fields, "P")
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func tickField(fields map[string]json.RawMessage) (string, bool) {
	s, ok := stringField(fields, "tick")
	if !ok {
		return "", false
	}
	tick := domain.NormalizeTick(s)
	if !domain.ValidTick(tick) {
		return "", false
	}
	return tick, true
}

// amountField accepts a decimal string or a bare JSON integer and requires
// a value greater than zero.
func amountField(fields map[string]json.RawMessage, key string) (*big.Int, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}

	var digits string
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &digits); err != nil {
			return nil, false
		}
		digits = strings.TrimSpace(digits)
	} else {
		digits = string(raw)
	}

	return ParseAmount(digits)
}

// ParseAmount parses an unsigned decimal integer greater than zero.
// Signs, fractions, exponents and leading/trailing garbage are rejected.
func ParseAmount(s string) (*big.Int, bool) {
	if s == "" || len(s) > MaxAmountDigits {
		return nil, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, false
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 || v.Cmp(MaxAmount) > 0 {
		return nil, false
	}
	return v, true
}
