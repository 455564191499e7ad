package marketplace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"nftmarket/storage"
)

var (
	listingPrefix = []byte("marketplace/listing/")
	metaKey       = []byte("marketplace/meta")

	// ErrVersionConflict reports that a listing changed between read and
	// commit.
	ErrVersionConflict = errors.New("marketplace store: version conflict")
)

// Store persists listings and ledger metadata. Writes are applied through a
// single batch so a commit is observed entirely or not at all, and readers
// take a consistent snapshot under the read lock.
type Store struct {
	db storage.Database
	mu sync.RWMutex
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// ReadTx is a read-only view over one consistent snapshot of the store.
type ReadTx struct {
	s *Store
}

// Meta returns the ledger metadata. A fresh store reports BaseID as the next
// identity and a zero fee.
func (tx *ReadTx) Meta() (*Meta, error) { return tx.s.loadMeta() }

// Get returns the listing for id. The boolean is false when no record exists.
func (tx *ReadTx) Get(id uint64) (*Listing, bool, error) { return tx.s.loadListing(id) }

// ForEach visits every listing in ascending identity order until fn returns
// false.
func (tx *ReadTx) ForEach(fn func(*Listing) bool) error {
	var decodeErr error
	err := tx.s.db.Iterate(listingPrefix, func(key, value []byte) bool {
		listing := new(Listing)
		if err := rlp.DecodeBytes(value, listing); err != nil {
			decodeErr = fmt.Errorf("marketplace store: decode listing %x: %w", key, err)
			return false
		}
		listing.Price = cloneBigInt(listing.Price)
		listing.Fee = cloneBigInt(listing.Fee)
		return fn(listing)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// View runs fn against a snapshot that no commit can interleave with.
func (s *Store) View(fn func(tx *ReadTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&ReadTx{s: s})
}

// Meta loads the ledger metadata.
func (s *Store) Meta() (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadMeta()
}

// Get loads a single listing.
func (s *Store) Get(id uint64) (*Listing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadListing(id)
}

// EnsureMeta persists initial as the metadata record when the
// store is empty and returns the persisted metadata.
func (s *Store) EnsureMeta(initial *Meta) (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(metaKey)
	if err != nil {
		return nil, err
	}
	if ok {
		return s.loadMeta()
	}
	meta := initial.Clone()
	if meta == nil {
		meta = &Meta{}
	}
	if meta.NextID < BaseID {
		meta.NextID = BaseID
	}
	batch := s.db.NewBatch()
	if err := stageMeta(batch, meta); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}
	return meta.Clone(), nil
}

type commit struct {
	puts    []*Listing
	deletes []uint64
	meta    *Meta
	// expect maps listing identities to the version the caller read. Zero
	// means the record must not exist yet.
	expect map[uint64]uint64
}

func (c *commit) expectVersion(id, version uint64) *commit {
	if c.expect == nil {
		c.expect = make(map[uint64]uint64)
	}
	c.expect[id] = version
	return c
}

// apply verifies the version guards and writes the commit in one batch.
func (s *Store) apply(c *commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeCommit(s.db, c)
}

// stage applies c to unit rather than the database. Readers of the store see
// nothing until commitUnit.
func (s *Store) stage(unit *storage.Unit, c *commit) error {
	if unit.Base() != s.db {
		return errors.New("marketplace store: unit stages over a different database")
	}
	return writeCommit(unit, c)
}

// commitUnit writes every staged key of unit, including those of modules
// sharing the database, while readers are held off.
func (s *Store) commitUnit(unit *storage.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unit.Commit()
}

func writeCommit(db storage.Database, c *commit) error {
	for id, want := range c.expect {
		current, ok, err := readListing(db, id)
		if err != nil {
			return err
		}
		var have uint64
		if ok {
			have = current.Version
		}
		if have != want {
			return fmt.Errorf("%w: listing %d at version %d, expected %d", ErrVersionConflict, id, have, want)
		}
	}

	batch := db.NewBatch()
	for _, listing := range c.puts {
		sanitized, err := SanitizeListing(listing)
		if err != nil {
			return err
		}
		encoded, err := rlp.EncodeToBytes(sanitized)
		if err != nil {
			return err
		}
		batch.Put(listingKey(sanitized.ID), encoded)
	}
	for _, id := range c.deletes {
		batch.Delete(listingKey(id))
	}
	if c.meta != nil {
		if err := stageMeta(batch, c.meta); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

func (s *Store) loadMeta() (*Meta, error) {
	raw, err := s.db.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &Meta{NextID: BaseID, ListingFee: cloneBigInt(nil)}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := new(Meta)
	if err := rlp.DecodeBytes(raw, meta); err != nil {
		return nil, fmt.Errorf("marketplace store: decode meta: %w", err)
	}
	meta.ListingFee = cloneBigInt(meta.ListingFee)
	return meta, nil
}

func (s *Store) loadListing(id uint64) (*Listing, bool, error) {
	return readListing(s.db, id)
}

func readListing(db storage.Database, id uint64) (*Listing, bool, error) {
	raw, err := db.Get(listingKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	listing := new(Listing)
	if err := rlp.DecodeBytes(raw, listing); err != nil {
		return nil, false, fmt.Errorf("marketplace store: decode listing %d: %w", id, err)
	}
	listing.Price = cloneBigInt(listing.Price)
	listing.Fee = cloneBigInt(listing.Fee)
	return listing, true, nil
}

func stageMeta(batch storage.Batch, meta *Meta) error {
	clone := meta.Clone()
	if clone.ListingFee.Sign() < 0 {
		return fmt.Errorf("marketplace store: negative listing fee")
	}
	encoded, err := rlp.EncodeToBytes(clone)
	if err != nil {
		return err
	}
	batch.Put(metaKey, encoded)
	return nil
}

func listingKey(id uint64) []byte {
	key := make([]byte, len(listingPrefix)+8)
	copy(key, listingPrefix)
	binary.BigEndian.PutUint64(key[len(listingPrefix):], id)
	return key
}
