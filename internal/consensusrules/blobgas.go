package consensusrules

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/chain"
)

// CalcExcessBlobGas implements calc_excess_blob_gas (EIP-4844): the
// child's excess blob gas is the parent's excess plus used, saturated
// at zero against the per-block target.
func (s Schedule) CalcExcessBlobGas(parent *chain.Header) uint64 {
	var excess, used uint64
	if parent.ExcessBlobGas != nil {
		excess = *parent.ExcessBlobGas
	}
	if parent.BlobGasUsed != nil {
		used = *parent.BlobGasUsed
	}
	target := s.targetBlobGasPerBlock()
	if excess+used < target {
		return 0
	}
	return excess + used - target
}

// BlobGasUsed is blobGasPerBlob times the number of blobs a body carries.
func BlobGasUsed(numBlobs int) uint64 {
	const blobGasPerBlob = 131072
	return uint64(numBlobs) * blobGasPerBlob
}

// BlobGasPrice returns fakeExponential(minBlobGasPrice, excessBlobGas,
// blobGasPriceUpdateFraction), the per-byte blob fee of EIP-4844.
func (s Schedule) BlobGasPrice(excessBlobGas uint64) (*uint256.Int, error) {
	return fakeExponential(uint256.NewInt(s.minBlobGasPrice()), uint256.NewInt(s.blobGasPriceUpdateFraction()), excessBlobGas)
}

// fakeExponential approximates factor * e**(numerator/denominator) via
// the Taylor-series expansion EIP-4844 specifies.
func fakeExponential(factor, denom *uint256.Int, numerator uint64) (*uint256.Int, error) {
	numeratorAccum := new(uint256.Int)
	if _, overflow := numeratorAccum.MulOverflow(factor, denom); overflow {
		return nil, fmt.Errorf("consensusrules: fakeExponential overflow in factor*denom")
	}
	output := uint256.NewInt(0)
	num := uint256.NewInt(numerator)
	divisor := new(uint256.Int)
	for i := 1; numeratorAccum.Sign() > 0; i++ {
		var overflow bool
		if _, overflow = output.AddOverflow(output, numeratorAccum); overflow {
			return nil, fmt.Errorf("consensusrules: fakeExponential overflow accumulating output")
		}
		if _, overflow = divisor.MulOverflow(denom, uint256.NewInt(uint64(i))); overflow {
			return nil, fmt.Errorf("consensusrules: fakeExponential overflow in denom*i")
		}
		if _, overflow = numeratorAccum.MulDivOverflow(numeratorAccum, num, divisor); overflow {
			return nil, fmt.Errorf("consensusrules: fakeExponential overflow in numeratorAccum*num/divisor")
		}
	}
	return output.Div(output, denom), nil
}

func (s Schedule) targetBlobGasPerBlock() uint64 {
	if s.TargetBlobGasPerBlock == 0 {
		return 393_216
	}
	return s.TargetBlobGasPerBlock
}

func (s Schedule) minBlobGasPrice() uint64 {
	if s.MinBlobGasPrice == 0 {
		return 1
	}
	return s.MinBlobGasPrice
}

func (s Schedule) blobGasPriceUpdateFraction() uint64 {
	if s.BlobGasPriceUpdateFraction == 0 {
		return 3_338_477
	}
	return s.BlobGasPriceUpdateFraction
}
