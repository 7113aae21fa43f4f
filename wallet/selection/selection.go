// Package selection picks the proofs to spend for an amount.
package selection

import (
	"errors"
	"slices"

	"github.com/nutdo/nutdo/cashu"
)

// MaxExactTarget bounds the amount searched by ExactSubset.
// Larger targets go straight to SelectProofsForAmount.
const MaxExactTarget = 1 << 20

var ErrInsufficientBalance = errors.New("insufficient balance")

// ExactSubset looks for a subset of proofs whose amounts add up to
// exactly target. Each proof is used at most once. It reports false
// if no such subset exists.
func ExactSubset(proofs cashu.Proofs, target uint64) (cashu.Proofs, bool) {
	if target == 0 || target > MaxExactTarget || proofs.Amount() < target {
		return nil, false
	}

	// from[sum] is the index of the proof that first reached sum.
	// Its predecessor sum is sum - proofs[from[sum]].Amount.
	from := make([]int, target+1)
	for i := range from {
		from[i] = -1
	}
	reachable := make([]bool, target+1)
	reachable[0] = true

	for i, proof := range proofs {
		if proof.Amount == 0 || proof.Amount > target {
			continue
		}
		for sum := target; sum >= proof.Amount; sum-- {
			if !reachable[sum] && reachable[sum-proof.Amount] {
				reachable[sum] = true
				from[sum] = i
			}
		}
		if reachable[target] {
			break
		}
	}

	if !reachable[target] {
		return nil, false
	}

	subset := cashu.Proofs{}
	for sum := target; sum > 0; {
		idx := from[sum]
		subset = append(subset, proofs[idx])
		sum -= proofs[idx].Amount
	}
	slices.Reverse(subset)
	return subset, true
}

type Options struct {
	// InactiveKeysets are spent before proofs from active keysets
	InactiveKeysets map[string]bool
	// KeysetFees maps a keyset id to its input fee in parts per thousand
	KeysetFees map[string]uint
	// IncludeFees adds the input fees of the selected proofs to the target
	IncludeFees bool
}

// SelectProofsForAmount returns proofs that add up to at least amount.
// Proofs from inactive keysets go first, then larger amounts first.
func SelectProofsForAmount(proofs cashu.Proofs, amount uint64, opts Options) (cashu.Proofs, error) {
	if proofs.Amount() < amount {
		return nil, ErrInsufficientBalance
	}

	ordered := slices.Clone(proofs)
	slices.SortStableFunc(ordered, func(a, b cashu.Proof) int {
		aInactive, bInactive := opts.InactiveKeysets[a.Id], opts.InactiveKeysets[b.Id]
		if aInactive != bInactive {
			if aInactive {
				return -1
			}
			return 1
		}
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	selected := cashu.Proofs{}
	var total, feePpk uint64
	for _, proof := range ordered {
		if total >= amount+feeFromPpk(feePpk, opts.IncludeFees) {
			break
		}
		selected = append(selected, proof)
		total += proof.Amount
		feePpk += uint64(opts.KeysetFees[proof.Id])
	}

	if total < amount+feeFromPpk(feePpk, opts.IncludeFees) {
		return nil, ErrInsufficientBalance
	}
	return selected, nil
}

func feeFromPpk(feePpk uint64, include bool) uint64 {
	if !include {
		return 0
	}
	return (feePpk + 999) / 1000
}

// Fees returns the input fee the mint charges to spend the proofs
func Fees(proofs cashu.Proofs, keysetFees map[string]uint) uint64 {
	var feePpk uint64
	for _, proof := range proofs {
		feePpk += uint64(keysetFees[proof.Id])
	}
	return (feePpk + 999) / 1000
}
