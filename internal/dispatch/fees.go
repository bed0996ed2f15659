package dispatch

import (
	"context"
	"fmt"
	"math/big"

	"tokensync/internal/chain"
)

// feeParams is one fee quote for a dynamic-fee transaction.
type feeParams struct {
	tipCap *big.Int
	feeCap *big.Int
}

// estimateFee quotes the current tip and a fee cap of twice the base fee
// plus the tip, leaving headroom for base-fee growth while the
// transaction is pending.
func estimateFee(ctx context.Context, reader chain.Reader) (feeParams, error) {
	tip, err := reader.SuggestGasTipCap(ctx)
	if err != nil {
		return feeParams{}, fmt.Errorf("suggest tip: %w", err)
	}

	head, err := reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeParams{}, fmt.Errorf("head header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return feeParams{tipCap: tip, feeCap: feeCap}, nil
}

// bump scales both caps by the multiplier, clamped to maxFeeCap. The
// clamp keeps a runaway retry loop from bidding past the operator's
// ceiling; if the clamped fee is still underpriced the attempt fails and
// the retry budget drains normally.
func (f feeParams) bump(multiplier float64, maxFeeCap *big.Int) feeParams {
	bumped := feeParams{
		tipCap: scale(f.tipCap, multiplier),
		feeCap: scale(f.feeCap, multiplier),
	}
	if maxFeeCap != nil && maxFeeCap.Sign() > 0 && bumped.feeCap.Cmp(maxFeeCap) > 0 {
		bumped.feeCap = new(big.Int).Set(maxFeeCap)
		if bumped.tipCap.Cmp(bumped.feeCap) > 0 {
			bumped.tipCap = new(big.Int).Set(bumped.feeCap)
		}
	}
	return bumped
}

func scale(value *big.Int, multiplier float64) *big.Int {
	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(value), big.NewFloat(multiplier)).Int(nil)
	return scaled
}
