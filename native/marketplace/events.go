package marketplace

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/crypto"
)

const (
	// EventTypeListingCreated is emitted when an asset enters the listed
	// state, either freshly minted or relisted by its holder.
	EventTypeListingCreated = "marketplace.listing.created"
	// EventTypeItemSold is emitted once a purchase has settled.
	EventTypeItemSold = "marketplace.item.sold"
	// EventTypeFeeUpdated is emitted when the listing fee changes.
	EventTypeFeeUpdated = "marketplace.fee.updated"
	// EventTypeListingFailed is emitted when custody could not be moved into
	// the vault and the listing was rolled back.
	EventTypeListingFailed = "marketplace.listing.failed"
)

func addressString(id [20]byte) string {
	return crypto.FromIdentity(id).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewListingCreatedEvent constructs the event describing a listing that is now
// available for purchase.
func NewListingCreatedEvent(l *Listing) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeListingCreated,
		Attributes: map[string]string{
			"id":      strconv.FormatUint(l.ID, 10),
			"seller":  addressString(l.Seller),
			"owner":   addressString(l.Owner),
			"price":   amountString(l.Price),
			"fee":     amountString(l.Fee),
			"sold":    strconv.FormatBool(l.Sold),
			"relist":  strconv.FormatBool(l.Relisted()),
			"version": strconv.FormatUint(l.Version, 10),
		},
	}}
}

// NewItemSoldEvent constructs the event describing a settled purchase.
func NewItemSoldEvent(r *Receipt) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeItemSold,
		Attributes: map[string]string{
			"id":           strconv.FormatUint(r.AssetID, 10),
			"receipt":      hexutil.Encode(r.ID[:]),
			"buyer":        addressString(r.Buyer),
			"seller":       addressString(r.Seller),
			"price":        amountString(r.Price),
			"fee":          amountString(r.Fee),
			"feeRecipient": addressString(r.FeeRecipient),
			"soldAt":       strconv.FormatUint(r.SoldAt, 10),
		},
	}}
}

// NewFeeUpdatedEvent records a listing fee change.
func NewFeeUpdatedEvent(admin [20]byte, previous, next *big.Int) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeFeeUpdated,
		Attributes: map[string]string{
			"admin":    addressString(admin),
			"previous": amountString(previous),
			"fee":      amountString(next),
		},
	}}
}

// NewListingFailedEvent records a listing attempt that was rolled back after
// the custody transfer failed.
func NewListingFailedEvent(l *Listing, reason string) events.Event {
	return events.Typed{Payload: &types.Event{
		Type: EventTypeListingFailed,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(l.ID, 10),
			"seller": addressString(l.Seller),
			"relist": strconv.FormatBool(l.Relisted()),
			"reason": reason,
		},
	}}
}
