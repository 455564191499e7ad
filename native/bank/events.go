package bank

import (
	"math/big"

	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/crypto"
)

const (
	EventTypeDeposit  = "bank.deposit"
	EventTypeTransfer = "bank.transfer"
)

func newDepositEvent(to [20]byte, amount *big.Int) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeDeposit,
		Attributes: map[string]string{
			"to":     crypto.FromIdentity(to).String(),
			"amount": amount.String(),
		},
	}}
}

func newTransferEvent(from, to [20]byte, amount *big.Int) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":   crypto.FromIdentity(from).String(),
			"to":     crypto.FromIdentity(to).String(),
			"amount": amount.String(),
		},
	}}
}
