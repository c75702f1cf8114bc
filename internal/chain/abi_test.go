package chain

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
)

// encodeTokenInfo builds tokenInfo return data for tests.
func encodeTokenInfo(t *testing.T, addr, tick string, maxSupply *big.Int, deployer string, deployedAt int64) []byte {
	t.Helper()
	mustAddr := func(a string) []byte {
		w, err := EncodeAddress(a)
		if err != nil {
			t.Fatalf("EncodeAddress: %v", err)
		}
		return w
	}
	mustUint := func(v *big.Int) []byte {
		w, err := EncodeUint256(v)
		if err != nil {
			t.Fatalf("EncodeUint256: %v", err)
		}
		return w
	}

	var out []byte
	out = append(out, mustAddr(addr)...)
	out = append(out, mustUint(big.NewInt(5*wordSize))...)
	out = append(out, mustUint(maxSupply)...)
	out = append(out, mustAddr(deployer)...)
	out = append(out, mustUint(big.NewInt(deployedAt))...)
	out = append(out, mustUint(big.NewInt(int64(len(tick))))...)
	padded := make([]byte, (len(tick)+wordSize-1)/wordSize*wordSize)
	copy(padded, tick)
	return append(out, padded...)
}

func TestSelector(t *testing.T) {
	tests := map[string]string{
		"totalSupply()":             "18160ddd",
		"balanceOf(address)":        "70a08231",
		"transfer(address,uint256)": "a9059cbb",
	}
	for sig, want := range tests {
		if got := hex.EncodeToString(Selector(sig)); got != want {
			t.Errorf("Selector(%q) = %s, want %s", sig, got, want)
		}
	}
}

func TestEncodeUint256(t *testing.T) {
	w, err := EncodeUint256(big.NewInt(258))
	if err != nil {
		t.Fatalf("EncodeUint256: %v", err)
	}
	if len(w) != wordSize || w[30] != 1 || w[31] != 2 {
		t.Errorf("unexpected word %x", w)
	}

	if _, err := EncodeUint256(big.NewInt(-1)); err == nil {
		t.Error("expected error for negative value")
	}
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := EncodeUint256(tooBig); err == nil {
		t.Error("expected error for 2^256")
	}
}

func TestEncodeDecodeAddress(t *testing.T) {
	addr := "0x00000000000000000000000000000000000000Ab"
	w, err := EncodeAddress(addr)
	if err != nil {
		t.Fatalf("EncodeAddress: %v", err)
	}
	got, err := DecodeAddress(w, 0)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	if got != "0x00000000000000000000000000000000000000ab" {
		t.Errorf("unexpected address %s", got)
	}

	for _, bad := range []string{"", "0x1234", "0xzz000000000000000000000000000000000000ab"} {
		if IsAddress(bad) {
			t.Errorf("IsAddress(%q) = true", bad)
		}
	}
}

func TestDecodeTokenInfoLayout(t *testing.T) {
	maxSupply, _ := new(big.Int).SetString("21000000000000000000000000", 10)
	data := encodeTokenInfo(t,
		"0x1111111111111111111111111111111111111111",
		"红包",
		maxSupply,
		"0x2222222222222222222222222222222222222222",
		1738000000,
	)

	tick, err := DecodeString(data, 1)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if tick != "红包" {
		t.Errorf("expected 红包, got %q", tick)
	}
	got, err := DecodeUint256(data, 2)
	if err != nil {
		t.Fatalf("DecodeUint256: %v", err)
	}
	if got.Cmp(maxSupply) != 0 {
		t.Errorf("expected %s, got %s", maxSupply, got)
	}
}

func TestDecode_ShortData(t *testing.T) {
	if _, err := DecodeUint256(make([]byte, 31), 0); !errors.Is(err, ErrShortData) {
		t.Errorf("expected ErrShortData, got %v", err)
	}

	// Offset pointing past the end.
	w, _ := EncodeUint256(big.NewInt(64))
	if _, err := DecodeString(w, 0); !errors.Is(err, ErrShortData) {
		t.Errorf("expected ErrShortData, got %v", err)
	}

	// Length larger than the tail.
	data := append(append([]byte{}, mustWord(32)...), mustWord(100)...)
	if _, err := DecodeString(data, 0); !errors.Is(err, ErrShortData) {
		t.Errorf("expected ErrShortData, got %v", err)
	}
}

func mustWord(v int64) []byte {
	w, _ := EncodeUint256(big.NewInt(v))
	return w
}
