package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/text/unicode/norm"

	"nftmarket/core/events"
	"nftmarket/storage"
)

// BaseID is the first identity handed out by Mint. Identities are assigned
// sequentially and never reused, even after a burn.
const BaseID uint64 = 1

// MaxContentRefLength bounds the size of a stored content reference.
const MaxContentRefLength = 2048

var (
	ErrTokenNotFound     = errors.New("registry: token not found")
	ErrNotHolder         = errors.New("registry: party is not the current holder")
	ErrInvalidContentRef = errors.New("registry: invalid content reference")
	ErrZeroIdentity      = errors.New("registry: zero identity")
	errNilStore          = errors.New("registry: store not configured")
)

var (
	tokenPrefix = []byte("registry/token/")
	metaKey     = []byte("registry/meta")
)

// Token is the persisted record of one non-fungible asset.
type Token struct {
	ID       uint64
	Owner    [20]byte
	URI      string
	MintedAt uint64
	Burned   bool
}

// Clone returns a copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

type registryMeta struct {
	NextID uint64
	Burned uint64
}

// Registry owns asset identities and tracks the current holder of each one.
type Registry struct {
	db      storage.Database
	mu      sync.RWMutex
	emitter events.Emitter
	nowFn   func() time.Time
}

// New creates a registry persisting tokens in db.
func New(db storage.Database) *Registry {
	return &Registry{db: db, emitter: events.NoopEmitter{}, nowFn: time.Now}
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for mint timestamps.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// NormalizeContentRef canonicalises a content reference to NFC and trims
// surrounding whitespace.
func NormalizeContentRef(ref string) (string, error) {
	normalized := strings.TrimSpace(norm.NFC.String(ref))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContentRef)
	}
	if len(normalized) > MaxContentRefLength {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidContentRef, MaxContentRefLength)
	}
	return normalized, nil
}

// session returns where a mutation reads and writes. Inside a storage unit
// over the registry database the unit stages the writes, keeps the registry
// locked until it is released and holds events back until it commits.
func (r *Registry) session(ctx context.Context) (storage.Database, func(events.Event), func()) {
	if unit, ok := storage.UnitFrom(ctx, r.db); ok {
		unit.Hold(&r.mu)
		emit := func(evt events.Event) {
			unit.AfterCommit(func() { r.emitter.Emit(evt) })
		}
		return unit, emit, func() {}
	}
	r.mu.Lock()
	return r.db, r.emitter.Emit, r.mu.Unlock
}

// Mint creates a new asset held by owner and returns its identity.
func (r *Registry) Mint(ctx context.Context, owner [20]byte, contentRef string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if r == nil || r.db == nil {
		return 0, errNilStore
	}
	if owner == ([20]byte{}) {
		return 0, ErrZeroIdentity
	}
	uri, err := NormalizeContentRef(contentRef)
	if err != nil {
		return 0, err
	}
	db, emit, unlock := r.session(ctx)
	defer unlock()
	meta, err := loadMeta(db)
	if err != nil {
		return 0, err
	}
	token := &Token{ID: meta.NextID, Owner: owner, URI: uri, MintedAt: uint64(r.nowFn().Unix())}
	meta.NextID++
	batch := db.NewBatch()
	if err := stageToken(batch, token); err != nil {
		return 0, err
	}
	if err := stageMeta(batch, meta); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("registry: persist mint: %w", err)
	}
	emit(newMintedEvent(token))
	return token.ID, nil
}

// TransferCustody moves the asset from one holder to another. The transfer is
// rejected unless from is the current holder.
func (r *Registry) TransferCustody(ctx context.Context, id uint64, from, to [20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.db == nil {
		return errNilStore
	}
	if to == ([20]byte{}) {
		return ErrZeroIdentity
	}
	db, emit, unlock := r.session(ctx)
	defer unlock()
	token, err := getToken(db, id)
	if err != nil {
		return err
	}
	if token.Owner != from {
		return fmt.Errorf("%w: token %d", ErrNotHolder, id)
	}
	token.Owner = to
	batch := db.NewBatch()
	if err := stageToken(batch, token); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("registry: persist transfer: %w", err)
	}
	emit(newTransferredEvent(id, from, to))
	return nil
}

// Burn destroys an asset held by holder. The identity stays reserved.
func (r *Registry) Burn(ctx context.Context, id uint64, holder [20]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.db == nil {
		return errNilStore
	}
	db, emit, unlock := r.session(ctx)
	defer unlock()
	token, err := getToken(db, id)
	if err != nil {
		return err
	}
	if token.Owner != holder {
		return fmt.Errorf("%w: token %d", ErrNotHolder, id)
	}
	meta, err := loadMeta(db)
	if err != nil {
		return err
	}
	token.Burned = true
	token.Owner = [20]byte{}
	meta.Burned++
	batch := db.NewBatch()
	if err := stageToken(batch, token); err != nil {
		return err
	}
	if err := stageMeta(batch, meta); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("registry: persist burn: %w", err)
	}
	emit(newBurnedEvent(id, holder))
	return nil
}

// CurrentCustodian returns the current holder of the asset.
func (r *Registry) CurrentCustodian(id uint64) ([20]byte, error) {
	token, err := r.Token(id)
	if err != nil {
		return [20]byte{}, err
	}
	return token.Owner, nil
}

// TokenURI returns the content reference stored at mint time.
func (r *Registry) TokenURI(id uint64) (string, error) {
	token, err := r.Token(id)
	if err != nil {
		return "", err
	}
	return token.URI, nil
}

// Token returns a copy of the stored record. Burned tokens report
// ErrTokenNotFound.
func (r *Registry) Token(id uint64) (*Token, error) {
	if r == nil || r.db == nil {
		return nil, errNilStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return getToken(r.db, id)
}

// Minted returns the number of identities ever handed out.
func (r *Registry) Minted() (uint64, error) {
	if r == nil || r.db == nil {
		return 0, errNilStore
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, err := loadMeta(r.db)
	if err != nil {
		return 0, err
	}
	return meta.NextID - BaseID, nil
}

func getToken(db storage.Database, id uint64) (*Token, error) {
	data, err := db.Get(tokenKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var token Token
	if err := rlp.DecodeBytes(data, &token); err != nil {
		return nil, fmt.Errorf("registry: decode token %d: %w", id, err)
	}
	if token.Burned {
		return nil, fmt.Errorf("%w: %d burned", ErrTokenNotFound, id)
	}
	return &token, nil
}

func loadMeta(db storage.Database) (*registryMeta, error) {
	data, err := db.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &registryMeta{NextID: BaseID}, nil
	}
	if err != nil {
		return nil, err
	}
	var meta registryMeta
	if err := rlp.DecodeBytes(data, &meta); err != nil {
		return nil, fmt.Errorf("registry: decode meta: %w", err)
	}
	return &meta, nil
}

func stageToken(batch storage.Batch, token *Token) error {
	encoded, err := rlp.EncodeToBytes(token)
	if err != nil {
		return err
	}
	batch.Put(tokenKey(token.ID), encoded)
	return nil
}

func stageMeta(batch storage.Batch, meta *registryMeta) error {
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	batch.Put(metaKey, encoded)
	return nil
}

func tokenKey(id uint64) []byte {
	key := make([]byte, len(tokenPrefix)+8)
	copy(key, tokenPrefix)
	binary.BigEndian.PutUint64(key[len(tokenPrefix):], id)
	return key
}
