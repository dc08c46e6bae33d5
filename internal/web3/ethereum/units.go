package ethereum

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ToWei converts an ether amount to wei. The decimal form of amount is used
// so that 0.1 becomes exactly 10^17 wei.
func ToWei(amount float64) (*big.Int, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("无效的转账金额: %v", amount)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("无效的转账金额: %v", amount)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// FromWei converts wei to ether, losing precision beyond float64.
func FromWei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(wei, weiPerEther).Float64()
	return f
}
