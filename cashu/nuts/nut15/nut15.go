// Package nut15 contains helpers for multi-path payments as defined in [NUT-15]
//
// [NUT-15]: https://github.com/cashubtc/nuts/blob/main/15.md
package nut15

import (
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/cashu/nuts/nut06"
)

// IsMppSupported returns whether the mint supports NUT-15 for the specified unit
func IsMppSupported(info nut06.MintInfo, unit cashu.Unit) bool {
	return info.Nuts.SupportsMpp(unit.String())
}

// PartialAmountOption returns the melt quote options to pay only
// amountSat of an invoice. The amount on the wire is in millisatoshi.
func PartialAmountOption(amountSat uint64) *nut05.MeltOptions {
	return &nut05.MeltOptions{
		Mpp: &nut05.MppOption{AmountMsat: amountSat * 1000},
	}
}
