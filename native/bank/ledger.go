package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nftmarket/core/events"
	"nftmarket/storage"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrZeroRecipient       = errors.New("bank: recipient cannot accept funds")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
	errNilStore            = errors.New("bank: store not configured")
)

var balancePrefix = []byte("bank/balance/")

// Ledger tracks spendable balances per identity. Balances are bounded to 256
// bits and every mutation is persisted as one atomic batch.
type Ledger struct {
	db      storage.Database
	mu      sync.RWMutex
	emitter events.Emitter
}

// NewLedger creates a ledger persisting balances in db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// session returns where a mutation reads and writes. A storage unit over the
// ledger database stages the writes, keeps the ledger locked until release
// and defers events to its commit.
func (l *Ledger) session(ctx context.Context) (storage.Database, func(events.Event), func()) {
	if unit, ok := storage.UnitFrom(ctx, l.db); ok {
		unit.Hold(&l.mu)
		emit := func(evt events.Event) {
			unit.AfterCommit(func() { l.emitter.Emit(evt) })
		}
		return unit, emit, func() {}
	}
	l.mu.Lock()
	return l.db, l.emitter.Emit, l.mu.Unlock
}

// Balance returns the current balance of addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	if l == nil || l.db == nil {
		return nil, errNilStore
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return readBalance(l.db, addr)
}

// Deposit credits funds that enter the system from outside, e.g. an operator
// funding a test account.
func (l *Ledger) Deposit(ctx context.Context, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil || l.db == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return ErrZeroRecipient
	}
	db, emit, unlock := l.session(ctx)
	defer unlock()
	current, err := readBalance(db, to)
	if err != nil {
		return err
	}
	next, err := checkedAdd(current, amount)
	if err != nil {
		return err
	}
	batch := db.NewBatch()
	if err := stageBalance(batch, to, next); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: persist deposit: %w", err)
	}
	emit(newDepositEvent(to, amount))
	return nil
}

// Transfer moves amount from one identity to another.
func (l *Ledger) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil || l.db == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return ErrZeroRecipient
	}
	if from == to {
		return nil
	}
	db, emit, unlock := l.session(ctx)
	defer unlock()
	fromBal, err := readBalance(db, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal, amount)
	}
	toBal, err := readBalance(db, to)
	if err != nil {
		return err
	}
	nextTo, err := checkedAdd(toBal, amount)
	if err != nil {
		return err
	}
	nextFrom := new(big.Int).Sub(fromBal, amount)
	batch := db.NewBatch()
	if err := stageBalance(batch, from, nextFrom); err != nil {
		return err
	}
	if err := stageBalance(batch, to, nextTo); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: persist transfer: %w", err)
	}
	emit(newTransferEvent(from, to, amount))
	return nil
}

func readBalance(db storage.Database, addr [20]byte) (*big.Int, error) {
	data, err := db.Get(balanceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("bank: decode balance: %w", err)
	}
	return value, nil
}

func checkedAdd(a, b *big.Int) (*big.Int, error) {
	left, overflow := uint256.FromBig(a)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	right, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	sum, overflow := new(uint256.Int).AddOverflow(left, right)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return sum.ToBig(), nil
}

func stageBalance(batch storage.Batch, addr [20]byte, value *big.Int) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	batch.Put(balanceKey(addr), encoded)
	return nil
}

func balanceKey(addr [20]byte) []byte {
	key := make([]byte, len(balancePrefix)+len(addr))
	copy(key, balancePrefix)
	copy(key[len(balancePrefix):], addr[:])
	return key
}
