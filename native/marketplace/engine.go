package marketplace

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftmarket/core/events"
	"nftmarket/native/common"
	"nftmarket/storage"
)

// ModuleName is the pause key guarding marketplace mutations.
const ModuleName = "marketplace"

// MaxContentRefLength bounds the content reference accepted at listing time.
const MaxContentRefLength = 2048

// AssetRegistry mints assets and tracks which party holds custody of each.
//
// The context handed to each method carries the engine's in-flight mutation.
// An implementation that calls back into the engine must pass that context
// on: a fresh context looks like an unrelated caller and waits for the running
// mutation until its own deadline.
type AssetRegistry interface {
	Mint(ctx context.Context, owner [20]byte, contentRef string) (uint64, error)
	TransferCustody(ctx context.Context, id uint64, from, to [20]byte) error
	Burn(ctx context.Context, id uint64, holder [20]byte) error
	CurrentCustodian(id uint64) ([20]byte, error)
}

// Payments moves value between callers and the marketplace vault. Collect
// debits from into the vault; Pay credits the vault balance out to to. The
// context rules of AssetRegistry apply.
type Payments interface {
	Collect(ctx context.Context, from [20]byte, amount *big.Int) error
	Pay(ctx context.Context, to [20]byte, amount *big.Int) error
}

// Role names a privilege checked by the Authorizer.
type Role string

// RoleFeeAdmin may change the listing fee.
const RoleFeeAdmin Role = "fee-admin"

// Authorizer decides whether a caller holds a role.
type Authorizer interface {
	Authorized(caller [20]byte, role Role) bool
}

// StaticAuthorizer grants RoleFeeAdmin to a fixed set of identities.
type StaticAuthorizer struct {
	admins map[[20]byte]struct{}
}

// NewStaticAuthorizer returns an authorizer that recognises admins.
func NewStaticAuthorizer(admins ...[20]byte) *StaticAuthorizer {
	set := make(map[[20]byte]struct{}, len(admins))
	for _, admin := range admins {
		if admin == ([20]byte{}) {
			continue
		}
		set[admin] = struct{}{}
	}
	return &StaticAuthorizer{admins: set}
}

// Authorized implements Authorizer.
func (a *StaticAuthorizer) Authorized(caller [20]byte, role Role) bool {
	if a == nil || role != RoleFeeAdmin {
		return false
	}
	_, ok := a.admins[caller]
	return ok
}

// Config carries the fixed parties and the fee used to seed an empty ledger.
type Config struct {
	// Vault is the marketplace custodian. Listed assets and collected funds
	// are held here.
	Vault [20]byte
	// FeeRecipient receives the listing fee when an item sells.
	FeeRecipient [20]byte
	// InitialListingFee seeds the metadata record of a fresh store. It is
	// ignored once a fee has been persisted.
	InitialListingFee *big.Int
}

// Engine executes marketplace operations against the store and the injected
// registry and payment capabilities. Mutations are serialised; views read a
// consistent store snapshot and never block on in-flight external calls.
type Engine struct {
	store        *Store
	registry     AssetRegistry
	payments     Payments
	auth         Authorizer
	vault        [20]byte
	feeRecipient [20]byte
	emitter      events.Emitter
	pauses       common.PauseView
	logger       *slog.Logger
	nowFn        func() int64

	// lock serialises mutations. It is a channel so waiting honours ctx.
	lock chan struct{}
}

// NewEngine validates the collaborators and initialises the ledger metadata.
func NewEngine(store *Store, registry AssetRegistry, payments Payments, auth Authorizer, cfg Config) (*Engine, error) {
	switch {
	case store == nil:
		return nil, errors.New("marketplace engine: store not configured")
	case registry == nil:
		return nil, errors.New("marketplace engine: registry not configured")
	case payments == nil:
		return nil, errors.New("marketplace engine: payments not configured")
	case cfg.Vault == ([20]byte{}):
		return nil, errors.New("marketplace engine: vault identity required")
	case cfg.FeeRecipient == ([20]byte{}):
		return nil, errors.New("marketplace engine: fee recipient required")
	}
	fee := cloneBigInt(cfg.InitialListingFee)
	if fee.Sign() < 0 {
		return nil, errors.New("marketplace engine: initial listing fee must be non-negative")
	}
	if auth == nil {
		auth = NewStaticAuthorizer()
	}
	if _, err := store.EnsureMeta(&Meta{NextID: BaseID, ListingFee: fee}); err != nil {
		return nil, fmt.Errorf("marketplace engine: init meta: %w", err)
	}
	return &Engine{
		store:        store,
		registry:     registry,
		payments:     payments,
		auth:         auth,
		vault:        cfg.Vault,
		feeRecipient: cfg.FeeRecipient,
		emitter:      events.NoopEmitter{},
		logger:       slog.Default(),
		nowFn:        func() int64 { return time.Now().Unix() },
		lock:         make(chan struct{}, 1),
	}, nil
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause view consulted before each mutation.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetLogger overrides the logger used for rollback diagnostics.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Vault returns the marketplace custodian identity.
func (e *Engine) Vault() [20]byte { return e.vault }

// FeeRecipient returns the identity receiving listing fees on sale.
func (e *Engine) FeeRecipient() [20]byte { return e.feeRecipient }

// Store exposes the backing store for offline inspection.
func (e *Engine) Store() *Store { return e.store }

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

const (
	opCreateListing = "create_listing"
	opRelist        = "relist"
	opPurchase      = "purchase"
	opSetFee        = "set_listing_fee"
)

type mutationKey struct{}

type mutationScope struct {
	op      string
	assetID uint64
}

// enter marks ctx as carrying an in-flight mutation. A collaborator calling
// back into the engine with that context is rejected instead of deadlocking:
// a nested purchase of the asset being purchased reports AlreadySold, any
// other nested mutation reports Reentrant.
func (e *Engine) enter(ctx context.Context, op string, assetID uint64) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if scope, ok := ctx.Value(mutationKey{}).(*mutationScope); ok {
		if op == opPurchase && scope.op == opPurchase && scope.assetID == assetID {
			return nil, newError(KindAlreadySold, "asset %d purchase already in progress", assetID)
		}
		return nil, newError(KindReentrant, "%s invoked during %s", op, scope.op)
	}
	return context.WithValue(ctx, mutationKey{}, &mutationScope{op: op, assetID: assetID}), nil
}

// acquire takes the mutation lock, giving up once ctx is done.
func (e *Engine) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapError(KindCanceled, err, "marketplace mutation abandoned")
	}
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return wrapError(KindCanceled, ctx.Err(), "waiting for marketplace lock")
	}
}

func (e *Engine) release() { <-e.lock }

func (e *Engine) guard() error {
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return wrapError(KindPaused, err, "%s mutations are paused", ModuleName)
	}
	return nil
}

// abort compensates every effect recorded in j and returns cause, joined with
// the rollback failure when compensation could not complete.
func (e *Engine) abort(ctx context.Context, j *journal, op string, cause error) error {
	if rbErr := j.rollback(ctx); rbErr != nil {
		e.logger.Error("marketplace rollback incomplete",
			slog.String("operation", op),
			slog.String("cause", cause.Error()),
			slog.Any("error", rbErr))
		return errors.Join(cause, fmt.Errorf("marketplace: rollback: %w", rbErr))
	}
	return cause
}

func (e *Engine) collect(ctx context.Context, from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.payments.Collect(ctx, from, amount)
}

func (e *Engine) pay(ctx context.Context, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.payments.Pay(ctx, to, amount)
}

func validatePrice(price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return newError(KindInvalidPrice, "price must be greater than zero")
	}
	return nil
}

func validateFee(paid, required *big.Int) error {
	if paid == nil || paid.Cmp(required) != 0 {
		return newError(KindFeeMismatch, "listing fee must equal %s", amountString(required))
	}
	return nil
}

func validateContentRef(ref string) error {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return newError(KindInvalidContent, "content reference required")
	}
	if len(trimmed) > MaxContentRefLength {
		return newError(KindInvalidContent, "content reference exceeds %d bytes", MaxContentRefLength)
	}
	return nil
}

// CreateListing mints a new asset for caller and lists it at price. feePaid
// must equal the current listing fee. The fee is collected first, then the
// asset is minted, the listing record committed and custody moved into the
// vault. Any failure undoes the earlier steps.
func (e *Engine) CreateListing(ctx context.Context, caller [20]byte, contentRef string, price, feePaid *big.Int) (uint64, error) {
	ctx, err := e.enter(ctx, opCreateListing, 0)
	if err != nil {
		return 0, err
	}
	if err := e.acquire(ctx); err != nil {
		return 0, err
	}
	defer e.release()

	if err := e.guard(); err != nil {
		return 0, err
	}
	if caller == ([20]byte{}) {
		return 0, newError(KindUnauthorized, "caller identity required")
	}
	if err := validatePrice(price); err != nil {
		return 0, err
	}
	if err := validateContentRef(contentRef); err != nil {
		return 0, err
	}
	meta, err := e.store.Meta()
	if err != nil {
		return 0, wrapError(KindStorage, err, "load metadata")
	}
	if err := validateFee(feePaid, meta.ListingFee); err != nil {
		return 0, err
	}

	fee := cloneBigInt(feePaid)
	j := &journal{}
	if err := e.collect(ctx, caller, fee); err != nil {
		return 0, wrapError(KindPaymentFailed, err, "collect listing fee")
	}
	j.record("refund listing fee", func(ctx context.Context) error {
		return e.pay(ctx, caller, fee)
	})

	id, err := e.registry.Mint(ctx, caller, contentRef)
	if err != nil {
		return 0, e.abort(ctx, j, opCreateListing, wrapError(KindCustodyTransferFailed, err, "mint rejected"))
	}
	j.record("burn minted asset", func(ctx context.Context) error {
		return e.registry.Burn(ctx, id, caller)
	})
	if id < meta.NextID {
		return 0, e.abort(ctx, j, opCreateListing,
			newError(KindStorage, "registry issued identity %d below next expected %d", id, meta.NextID))
	}

	now := e.now()
	listing := &Listing{
		ID:        id,
		Seller:    caller,
		Owner:     e.vault,
		Price:     cloneBigInt(price),
		Fee:       fee,
		Version:   1,
		Cycles:    1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	nextMeta := meta.Clone()
	nextMeta.NextID = id + 1
	c := (&commit{puts: []*Listing{listing}, meta: nextMeta}).expectVersion(id, 0)
	if err := e.store.apply(c); err != nil {
		return 0, e.abort(ctx, j, opCreateListing, wrapError(KindStorage, err, "commit listing %d", id))
	}
	j.record("drop provisional listing", func(context.Context) error {
		// The identity stays reserved; only the record is withdrawn.
		return e.store.apply(&commit{deletes: []uint64{id}})
	})

	if err := e.registry.TransferCustody(ctx, id, caller, e.vault); err != nil {
		failure := e.abort(ctx, j, opCreateListing,
			wrapError(KindCustodyTransferFailed, err, "move asset %d into vault", id))
		e.emit(NewListingFailedEvent(listing, err.Error()))
		return 0, failure
	}

	e.emit(NewListingCreatedEvent(listing))
	return id, nil
}

// RelistItem returns a previously sold asset to the listed state at a new
// price. Only the current holder may relist and feePaid must equal the
// current listing fee.
func (e *Engine) RelistItem(ctx context.Context, caller [20]byte, id uint64, price, feePaid *big.Int) error {
	ctx, err := e.enter(ctx, opRelist, id)
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if err := e.guard(); err != nil {
		return err
	}
	if err := validatePrice(price); err != nil {
		return err
	}
	meta, err := e.store.Meta()
	if err != nil {
		return wrapError(KindStorage, err, "load metadata")
	}
	if err := validateFee(feePaid, meta.ListingFee); err != nil {
		return err
	}
	current, ok, err := e.store.Get(id)
	if err != nil {
		return wrapError(KindStorage, err, "load listing %d", id)
	}
	if !ok {
		return wrapError(KindNotListed, ErrUnknownAsset, "asset %d", id)
	}
	holder, err := e.registry.CurrentCustodian(id)
	if err != nil {
		return wrapError(KindNotOwner, err, "asset %d custody unavailable", id)
	}
	if caller == ([20]byte{}) || holder != caller {
		return newError(KindNotOwner, "caller does not hold asset %d", id)
	}

	fee := cloneBigInt(feePaid)
	j := &journal{}
	if err := e.collect(ctx, caller, fee); err != nil {
		return wrapError(KindPaymentFailed, err, "collect listing fee")
	}
	j.record("refund listing fee", func(ctx context.Context) error {
		return e.pay(ctx, caller, fee)
	})

	updated := current.Clone()
	updated.Seller = caller
	updated.Owner = e.vault
	updated.Sold = false
	updated.Price = cloneBigInt(price)
	updated.Fee = fee
	updated.Version = current.Version + 1
	updated.Cycles = current.Cycles + 1
	updated.UpdatedAt = e.now()
	nextMeta := meta.Clone()
	if current.Sold && nextMeta.SoldCount > 0 {
		nextMeta.SoldCount--
	}
	c := (&commit{puts: []*Listing{updated}, meta: nextMeta}).expectVersion(id, current.Version)
	if err := e.store.apply(c); err != nil {
		return e.abort(ctx, j, opRelist, wrapError(KindStorage, err, "commit listing %d", id))
	}
	j.record("restore prior listing", func(context.Context) error {
		return e.store.apply(&commit{puts: []*Listing{current}, meta: meta})
	})

	if err := e.registry.TransferCustody(ctx, id, caller, e.vault); err != nil {
		failure := e.abort(ctx, j, opRelist, wrapError(KindCustodyTransferFailed, err, "move asset %d into vault", id))
		e.emit(NewListingFailedEvent(updated, err.Error()))
		return failure
	}

	e.emit(NewListingCreatedEvent(updated))
	return nil
}

// Purchase buys a listed asset. payment must equal the listing price. The
// payment is collected, custody released to the buyer, the listing fee
// forwarded to the fee recipient and the full payment forwarded to the
// seller; the sale record is committed last. All of it runs in one storage
// unit, so collaborators sharing the ledger database land in the same batch
// as the sale and views never observe a partial purchase. Effects of
// collaborators outside the unit are reversed through the journal when a
// later step fails.
func (e *Engine) Purchase(ctx context.Context, caller [20]byte, id uint64, payment *big.Int) (*Receipt, error) {
	ctx, err := e.enter(ctx, opPurchase, id)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	if err := e.guard(); err != nil {
		return nil, err
	}
	current, ok, err := e.store.Get(id)
	if err != nil {
		return nil, wrapError(KindStorage, err, "load listing %d", id)
	}
	if !ok {
		return nil, wrapError(KindNotListed, ErrUnknownAsset, "asset %d", id)
	}
	if current.Sold {
		return nil, newError(KindAlreadySold, "asset %d already sold", id)
	}
	if current.Owner != e.vault {
		return nil, newError(KindNotListed, "asset %d is not listed", id)
	}
	if payment == nil || payment.Cmp(current.Price) != 0 {
		return nil, newError(KindPaymentMismatch, "payment must equal price %s", amountString(current.Price))
	}
	if caller == ([20]byte{}) {
		return nil, newError(KindUnauthorized, "caller identity required")
	}
	meta, err := e.store.Meta()
	if err != nil {
		return nil, wrapError(KindStorage, err, "load metadata")
	}

	now := e.now()
	sold := current.Clone()
	sold.Owner = caller
	sold.Sold = true
	sold.Version = current.Version + 1
	sold.UpdatedAt = now
	nextMeta := meta.Clone()
	nextMeta.SoldCount++
	if nextMeta.SoldCount > nextMeta.Minted() {
		return nil, newError(KindStorage, "sold count %d exceeds minted %d", nextMeta.SoldCount, nextMeta.Minted())
	}

	unit := storage.NewUnit(e.store.db)
	defer unit.Release()
	ctx = storage.WithUnit(ctx, unit)

	amount := cloneBigInt(payment)
	fee := cloneBigInt(current.Fee)
	j := &journal{}
	if err := e.collect(ctx, caller, amount); err != nil {
		return nil, wrapError(KindPaymentFailed, err, "collect payment")
	}
	j.record("refund buyer", func(ctx context.Context) error {
		return e.pay(ctx, caller, amount)
	})

	if err := e.registry.TransferCustody(ctx, id, e.vault, caller); err != nil {
		return nil, e.abort(ctx, j, opPurchase,
			wrapError(KindCustodyTransferFailed, err, "release asset %d to buyer", id))
	}
	j.record("return asset to vault", func(ctx context.Context) error {
		return e.registry.TransferCustody(ctx, id, caller, e.vault)
	})

	if err := e.pay(ctx, e.feeRecipient, fee); err != nil {
		return nil, e.abort(ctx, j, opPurchase,
			wrapError(KindDisbursementFailed, err, "forward listing fee"))
	}
	j.record("reclaim listing fee", func(ctx context.Context) error {
		return e.collect(ctx, e.feeRecipient, fee)
	})

	if err := e.pay(ctx, current.Seller, amount); err != nil {
		return nil, e.abort(ctx, j, opPurchase,
			wrapError(KindDisbursementFailed, err, "forward proceeds to seller"))
	}
	j.record("reclaim seller proceeds", func(ctx context.Context) error {
		return e.collect(ctx, current.Seller, amount)
	})

	c := (&commit{puts: []*Listing{sold}, meta: nextMeta}).expectVersion(id, current.Version)
	if err := e.store.stage(unit, c); err != nil {
		kind := KindStorage
		if errors.Is(err, ErrVersionConflict) {
			kind = KindAlreadySold
		}
		return nil, e.abort(ctx, j, opPurchase, wrapError(kind, err, "stage sale of asset %d", id))
	}
	if err := e.store.commitUnit(unit); err != nil {
		return nil, e.abort(ctx, j, opPurchase, wrapError(KindStorage, err, "commit sale of asset %d", id))
	}
	unit.Release()

	receipt := &Receipt{
		ID:           receiptID(id, caller, sold.Version),
		AssetID:      id,
		Buyer:        caller,
		Seller:       current.Seller,
		Price:        cloneBigInt(current.Price),
		Fee:          fee,
		FeeRecipient: e.feeRecipient,
		SoldAt:       now,
	}
	e.emit(NewItemSoldEvent(receipt))
	return receipt, nil
}

// SetListingFee replaces the listing fee applied to future listings. Only
// callers holding RoleFeeAdmin may change it.
func (e *Engine) SetListingFee(ctx context.Context, caller [20]byte, fee *big.Int) error {
	ctx, err := e.enter(ctx, opSetFee, 0)
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if !e.auth.Authorized(caller, RoleFeeAdmin) {
		return newError(KindUnauthorized, "caller may not change the listing fee")
	}
	if fee == nil || fee.Sign() < 0 {
		return newError(KindInvalidPrice, "listing fee must be non-negative")
	}
	meta, err := e.store.Meta()
	if err != nil {
		return wrapError(KindStorage, err, "load metadata")
	}
	previous := cloneBigInt(meta.ListingFee)
	next := meta.Clone()
	next.ListingFee = cloneBigInt(fee)
	if err := e.store.apply(&commit{meta: next}); err != nil {
		return wrapError(KindStorage, err, "commit listing fee")
	}
	e.emit(NewFeeUpdatedEvent(caller, previous, fee))
	return nil
}

// ListingFee returns the fee required to list or relist an item.
func (e *Engine) ListingFee() (*big.Int, error) {
	meta, err := e.store.Meta()
	if err != nil {
		return nil, wrapError(KindStorage, err, "load metadata")
	}
	return cloneBigInt(meta.ListingFee), nil
}

func receiptID(id uint64, buyer [20]byte, version uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], version)
	return ethcrypto.Keccak256Hash(buf[:], buyer[:], ver[:])
}
