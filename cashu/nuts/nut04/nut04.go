// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"

	"github.com/nutdo/nutdo/cashu"
)

type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return Unknown
}

type PostMintQuoteBolt11Request struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	Expiry  int64  `json:"expiry"`
}

type tempQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
	Paid    *bool  `json:"paid,omitempty"`
	Expiry  int64  `json:"expiry"`
}

func (quoteResponse PostMintQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	quote := tempQuote{
		Quote:   quoteResponse.Quote,
		Request: quoteResponse.Request,
		State:   quoteResponse.State.String(),
		Expiry:  quoteResponse.Expiry,
	}
	return json.Marshal(quote)
}

// mints that predate the state field only report "paid"
func (quoteResponse *PostMintQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var quote tempQuote
	if err := json.Unmarshal(data, &quote); err != nil {
		return err
	}

	quoteResponse.Quote = quote.Quote
	quoteResponse.Request = quote.Request
	quoteResponse.Expiry = quote.Expiry
	quoteResponse.State = StringToState(quote.State)
	if quote.State == "" && quote.Paid != nil {
		if *quote.Paid {
			quoteResponse.State = Paid
		} else {
			quoteResponse.State = Unpaid
		}
	}
	return nil
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
