package registry

import (
	"strconv"

	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/crypto"
)

const (
	EventTypeMinted      = "registry.minted"
	EventTypeTransferred = "registry.transferred"
	EventTypeBurned      = "registry.burned"
)

func newMintedEvent(t *Token) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeMinted,
		Attributes: map[string]string{
			"id":       strconv.FormatUint(t.ID, 10),
			"owner":    crypto.FromIdentity(t.Owner).String(),
			"uri":      t.URI,
			"mintedAt": strconv.FormatUint(t.MintedAt, 10),
		},
	}}
}

func newTransferredEvent(id uint64, from, to [20]byte) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeTransferred,
		Attributes: map[string]string{
			"id":   strconv.FormatUint(id, 10),
			"from": crypto.FromIdentity(from).String(),
			"to":   crypto.FromIdentity(to).String(),
		},
	}}
}

func newBurnedEvent(id uint64, holder [20]byte) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeBurned,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(id, 10),
			"holder": crypto.FromIdentity(holder).String(),
		},
	}}
}
