package marketplace

import (
	"fmt"
	"math/big"
)

// BaseID is the first asset identity the marketplace expects from the
// registry. The minted total is always NextID - BaseID.
const BaseID uint64 = 1

// State is the lifecycle state of a listing derived from its custody and sale
// flag.
type State uint8

const (
	StateUnknown State = iota
	// StateListed means the marketplace vault holds custody and the item is for sale.
	StateListed
	// StateSold means custody has been released to the buyer.
	StateSold
)

func (s State) String() string {
	switch s {
	case StateListed:
		return "listed"
	case StateSold:
		return "sold"
	default:
		return "unknown"
	}
}

// Listing is the persisted record describing an asset's sale terms and
// lifecycle. One record exists per minted asset and it is never deleted once
// committed.
type Listing struct {
	ID uint64
	// Seller is the party that most recently listed the asset and receives
	// the sale proceeds.
	Seller [20]byte
	// Owner is the current holder: the marketplace vault while listed and the
	// buyer once sold.
	Owner [20]byte
	Price *big.Int
	// Fee is the listing fee paid for the current cycle. It is forwarded to
	// the fee recipient when the item sells.
	Fee  *big.Int
	Sold bool
	// Version increases on every committed change and guards concurrent
	// writers through compare-and-swap.
	Version uint64
	// Cycles counts how many times the asset has been listed.
	Cycles    uint64
	CreatedAt uint64
	UpdatedAt uint64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Price = cloneBigInt(l.Price)
	clone.Fee = cloneBigInt(l.Fee)
	return &clone
}

// Relisted reports whether the asset has been through more than one listing
// cycle.
func (l *Listing) Relisted() bool { return l != nil && l.Cycles > 1 }

// StateFor derives the lifecycle state relative to the marketplace vault.
func (l *Listing) StateFor(vault [20]byte) State {
	switch {
	case l == nil:
		return StateUnknown
	case l.Sold:
		return StateSold
	case l.Owner == vault:
		return StateListed
	default:
		return StateUnknown
	}
}

// SanitizeListing validates the listing and returns a clone with non-nil
// amounts.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	if clone.ID < BaseID {
		return nil, fmt.Errorf("listing id %d below base %d", clone.ID, BaseID)
	}
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("listing %d price must be positive", clone.ID)
	}
	if clone.Fee.Sign() < 0 {
		return nil, fmt.Errorf("listing %d fee must be non-negative", clone.ID)
	}
	return clone, nil
}

// Meta captures the process-wide ledger counters and configuration.
type Meta struct {
	NextID     uint64
	SoldCount  uint64
	ListingFee *big.Int
}

// Clone returns a deep copy of the metadata.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	clone := *m
	clone.ListingFee = cloneBigInt(m.ListingFee)
	return &clone
}

// Minted returns the number of assets ever minted through the marketplace.
func (m *Meta) Minted() uint64 {
	if m == nil || m.NextID < BaseID {
		return 0
	}
	return m.NextID - BaseID
}

// Receipt summarises a completed purchase.
type Receipt struct {
	ID           [32]byte
	AssetID      uint64
	Buyer        [20]byte
	Seller       [20]byte
	Price        *big.Int
	Fee          *big.Int
	FeeRecipient [20]byte
	SoldAt       uint64
}

// Stats reports the ledger counters together with the size of the listed set.
type Stats struct {
	Minted     uint64
	Sold       uint64
	Listed     uint64
	NextID     uint64
	ListingFee *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
