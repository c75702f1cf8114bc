package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// wordSize is the size of one ABI head slot.
const wordSize = 32

// ErrShortData is returned when return data is smaller than its layout.
var ErrShortData = errors.New("abi: return data too short")

// Selector returns the 4-byte function selector of a canonical signature
// such as "tokenInfo(address)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// EncodeCall builds call data from a signature and pre-encoded words.
func EncodeCall(signature string, args ...[]byte) []byte {
	data := Selector(signature)
	for _, a := range args {
		data = append(data, a...)
	}
	return data
}

// EncodeUint256 encodes a non-negative integer as one word.
func EncodeUint256(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("abi: uint256 out of range: %v", v)
	}
	return v.FillBytes(make([]byte, wordSize)), nil
}

// EncodeAddress encodes a 0x-prefixed 20-byte hex address as one word.
func EncodeAddress(addr string) ([]byte, error) {
	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	word := make([]byte, wordSize)
	copy(word[wordSize-len(raw):], raw)
	return word, nil
}

// IsAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsAddress(addr string) bool {
	_, err := parseAddress(addr)
	return err == nil
}

func parseAddress(addr string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(s) != 40 {
		return nil, fmt.Errorf("abi: invalid address %q", addr)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("abi: invalid address %q: %w", addr, err)
	}
	return raw, nil
}

// word returns head slot i of data.
func word(data []byte, i int) ([]byte, error) {
	start := i * wordSize
	if start < 0 || start+wordSize > len(data) {
		return nil, fmt.Errorf("%w: slot %d of %d bytes", ErrShortData, i, len(data))
	}
	return data[start : start+wordSize], nil
}

// DecodeUint256 decodes head slot i as an unsigned integer.
func DecodeUint256(data []byte, i int) (*big.Int, error) {
	w, err := word(data, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}

// DecodeAddress decodes head slot i as a lowercase 0x-prefixed address.
func DecodeAddress(data []byte, i int) (string, error) {
	w, err := word(data, i)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(w[wordSize-20:]), nil
}

// DecodeString decodes a dynamic string whose offset is stored in head slot i.
func DecodeString(data []byte, i int) (string, error) {
	off, err := DecodeUint256(data, i)
	if err != nil {
		return "", err
	}
	if !off.IsInt64() || off.Int64()%wordSize != 0 || off.Int64() > int64(len(data)) {
		return "", fmt.Errorf("%w: bad string offset %s", ErrShortData, off)
	}
	tail := data[off.Int64():]

	n, err := DecodeUint256(tail, 0)
	if err != nil {
		return "", err
	}
	if !n.IsInt64() || n.Int64() > int64(len(tail)-wordSize) {
		return "", fmt.Errorf("%w: string length %s", ErrShortData, n)
	}
	return string(tail[wordSize : wordSize+int(n.Int64())]), nil
}
