package marketplace

// ListedItems returns every listing currently held by the vault and not yet
// sold, ordered by ascending identity.
func (e *Engine) ListedItems() ([]*Listing, error) {
	return e.filter(func(l *Listing) bool {
		return l.Owner == e.vault && !l.Sold
	})
}

// ItemsOwnedBy returns the listings whose current holder is who.
func (e *Engine) ItemsOwnedBy(who [20]byte) ([]*Listing, error) {
	return e.filter(func(l *Listing) bool { return l.Owner == who })
}

// ItemsListedBy returns the listings whose most recent seller is who.
func (e *Engine) ItemsListedBy(who [20]byte) ([]*Listing, error) {
	return e.filter(func(l *Listing) bool { return l.Seller == who })
}

// Listing returns a single record. Identities without a record report a
// NotListed error wrapping ErrUnknownAsset.
func (e *Engine) Listing(id uint64) (*Listing, error) {
	listing, ok, err := e.store.Get(id)
	if err != nil {
		return nil, wrapError(KindStorage, err, "load listing %d", id)
	}
	if !ok {
		return nil, wrapError(KindNotListed, ErrUnknownAsset, "asset %d", id)
	}
	return listing, nil
}

// State reports the lifecycle state of l relative to this engine's vault.
func (e *Engine) State(l *Listing) State { return l.StateFor(e.vault) }

// Stats returns the ledger counters and the size of the listed set, all read
// from one snapshot.
func (e *Engine) Stats() (*Stats, error) {
	var stats Stats
	err := e.store.View(func(tx *ReadTx) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		stats.Minted = meta.Minted()
		stats.Sold = meta.SoldCount
		stats.NextID = meta.NextID
		stats.ListingFee = cloneBigInt(meta.ListingFee)
		return tx.ForEach(func(l *Listing) bool {
			if l.Owner == e.vault && !l.Sold {
				stats.Listed++
			}
			return true
		})
	})
	if err != nil {
		return nil, wrapError(KindStorage, err, "load stats")
	}
	return &stats, nil
}

func (e *Engine) filter(match func(*Listing) bool) ([]*Listing, error) {
	out := make([]*Listing, 0)
	err := e.store.View(func(tx *ReadTx) error {
		return tx.ForEach(func(l *Listing) bool {
			if match(l) {
				out = append(out, l)
			}
			return true
		})
	})
	if err != nil {
		return nil, wrapError(KindStorage, err, "scan listings")
	}
	return out, nil
}
