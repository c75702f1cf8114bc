package chain

import (
	"context"
	"fmt"
	"math/big"
)

// Canonical signatures of the claim contracts.
const (
	sigTotalTokens  = "totalTokens()"
	sigAllTokens    = "allTokens(uint256)"
	sigTokenInfo    = "tokenInfo(address)"
	sigTotalSupply  = "totalSupply()"
	sigTotalClaimed = "totalClaimed()"
)

// TokenInfo is the factory's record of a claimable token.
type TokenInfo struct {
	Address    string
	Tick       string
	MaxSupply  *big.Int
	DeployedBy string
	DeployedAt int64 // unix seconds
}

// ClaimFactory reads the claim factory and the tokens it created.
type ClaimFactory struct {
	caller  Caller
	address string
}

// NewClaimFactory creates a reader for the factory at address.
func NewClaimFactory(caller Caller, address string) (*ClaimFactory, error) {
	if !IsAddress(address) {
		return nil, fmt.Errorf("claim factory: invalid address %q", address)
	}
	return &ClaimFactory{caller: caller, address: address}, nil
}

// Address returns the factory address.
func (f *ClaimFactory) Address() string { return f.address }

// TotalTokens returns the number of tokens registered in the factory.
func (f *ClaimFactory) TotalTokens(ctx context.Context) (*big.Int, error) {
	return f.callUint(ctx, f.address, sigTotalTokens)
}

// AllTokens returns the address of the i-th registered token.
func (f *ClaimFactory) AllTokens(ctx context.Context, i *big.Int) (string, error) {
	arg, err := EncodeUint256(i)
	if err != nil {
		return "", err
	}
	out, err := f.caller.Call(ctx, f.address, EncodeCall(sigAllTokens, arg))
	if err != nil {
		return "", fmt.Errorf("%s: %w", sigAllTokens, err)
	}
	return DecodeAddress(out, 0)
}

// TokenInfo returns the factory record of token.
func (f *ClaimFactory) TokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	arg, err := EncodeAddress(token)
	if err != nil {
		return nil, err
	}
	out, err := f.caller.Call(ctx, f.address, EncodeCall(sigTokenInfo, arg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sigTokenInfo, err)
	}

	// (address tokenAddress, string tick, uint256 maxSupply, address deployedBy, uint256 deployedAt)
	info := &TokenInfo{}
	if info.Address, err = DecodeAddress(out, 0); err != nil {
		return nil, err
	}
	if info.Tick, err = DecodeString(out, 1); err != nil {
		return nil, err
	}
	if info.MaxSupply, err = DecodeUint256(out, 2); err != nil {
		return nil, err
	}
	if info.DeployedBy, err = DecodeAddress(out, 3); err != nil {
		return nil, err
	}
	deployedAt, err := DecodeUint256(out, 4)
	if err != nil {
		return nil, err
	}
	if !deployedAt.IsInt64() {
		return nil, fmt.Errorf("%s: deployedAt out of range", sigTokenInfo)
	}
	info.DeployedAt = deployedAt.Int64()
	return info, nil
}

// TotalSupply returns the ERC-20 total supply of token.
func (f *ClaimFactory) TotalSupply(ctx context.Context, token string) (*big.Int, error) {
	return f.callUint(ctx, token, sigTotalSupply)
}

// TotalClaimed returns the amount claimed on-chain for token.
func (f *ClaimFactory) TotalClaimed(ctx context.Context, token string) (*big.Int, error) {
	return f.callUint(ctx, token, sigTotalClaimed)
}

func (f *ClaimFactory) callUint(ctx context.Context, to, sig string) (*big.Int, error) {
	out, err := f.caller.Call(ctx, to, EncodeCall(sig))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sig, err)
	}
	return DecodeUint256(out, 0)
}
