package registry

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"nftmarket/core/events"
	"nftmarket/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func TestMintAssignsSequentialIdentities(t *testing.T) {
	reg := New(storage.NewMemDB())
	ctx := context.Background()
	owner := newTestAddress(0x01)
	for want := BaseID; want < BaseID+3; want++ {
		id, err := reg.Mint(ctx, owner, "ipfs://asset")
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	minted, err := reg.Minted()
	if err != nil {
		t.Fatalf("minted: %v", err)
	}
	if minted != 3 {
		t.Fatalf("expected 3 minted, got %d", minted)
	}
	holder, err := reg.CurrentCustodian(2)
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	if holder != owner {
		t.Fatalf("unexpected holder %x", holder)
	}
}

func TestMintValidatesInputs(t *testing.T) {
	reg := New(storage.NewMemDB())
	ctx := context.Background()
	if _, err := reg.Mint(ctx, [20]byte{}, "ipfs://x"); !errors.Is(err, ErrZeroIdentity) {
		t.Fatalf("expected ErrZeroIdentity, got %v", err)
	}
	if _, err := reg.Mint(ctx, newTestAddress(1), "   "); !errors.Is(err, ErrInvalidContentRef) {
		t.Fatalf("expected ErrInvalidContentRef, got %v", err)
	}
	if _, err := reg.Mint(ctx, newTestAddress(1), strings.Repeat("a", MaxContentRefLength+1)); !errors.Is(err, ErrInvalidContentRef) {
		t.Fatalf("expected oversize rejection, got %v", err)
	}
}

func TestNormalizeContentRefUsesNFC(t *testing.T) {
	decomposed := "  cafe\u0301 "
	got, err := NormalizeContentRef(decomposed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "caf\u00e9" {
		t.Fatalf("expected NFC composed form, got %q", got)
	}
}

func TestTransferCustodyRequiresHolder(t *testing.T) {
	reg := New(storage.NewMemDB())
	ctx := context.Background()
	alice, bob, carol := newTestAddress(1), newTestAddress(2), newTestAddress(3)
	id, err := reg.Mint(ctx, alice, "ipfs://a")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := reg.TransferCustody(ctx, id, bob, carol); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := reg.TransferCustody(ctx, id, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	holder, _ := reg.CurrentCustodian(id)
	if holder != bob {
		t.Fatalf("expected bob to hold token")
	}
	if err := reg.TransferCustody(ctx, 99, bob, alice); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestBurnKeepsIdentityReserved(t *testing.T) {
	reg := New(storage.NewMemDB())
	ctx := context.Background()
	alice := newTestAddress(1)
	id, _ := reg.Mint(ctx, alice, "ipfs://a")
	if err := reg.Burn(ctx, id, newTestAddress(9)); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := reg.Burn(ctx, id, alice); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := reg.CurrentCustodian(id); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected burned token to be unavailable, got %v", err)
	}
	next, _ := reg.Mint(ctx, alice, "ipfs://b")
	if next != id+1 {
		t.Fatalf("expected identity %d not to be reused, got %d", id, next)
	}
}

func TestRegistrySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reg := New(db)
	alice := newTestAddress(1)
	if _, err := reg.Mint(context.Background(), alice, "ipfs://persisted"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	db.Close()

	db, err = storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	reg = New(db)
	uri, err := reg.TokenURI(BaseID)
	if err != nil {
		t.Fatalf("token uri: %v", err)
	}
	if uri != "ipfs://persisted" {
		t.Fatalf("unexpected uri %q", uri)
	}
	id, err := reg.Mint(context.Background(), alice, "ipfs://next")
	if err != nil {
		t.Fatalf("mint after reopen: %v", err)
	}
	if id != BaseID+1 {
		t.Fatalf("expected counter to persist, got id %d", id)
	}
}

type eventLog struct{ types []string }

func (l *eventLog) Emit(evt events.Event) { l.types = append(l.types, evt.EventType()) }

func TestTransferInsideUnitLandsOnCommit(t *testing.T) {
	db := storage.NewMemDB()
	reg := New(db)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	id, err := reg.Mint(context.Background(), alice, "ipfs://asset")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	log := &eventLog{}
	reg.SetEmitter(log)

	unit := storage.NewUnit(db)
	ctx := storage.WithUnit(context.Background(), unit)
	if err := reg.TransferCustody(ctx, id, alice, bob); err != nil {
		t.Fatalf("staged transfer: %v", err)
	}
	if token, _ := getToken(db, id); token.Owner != alice {
		t.Fatalf("staged transfer reached the database before commit")
	}
	if token, _ := getToken(unit, id); token.Owner != bob {
		t.Fatalf("expected the unit to see its own transfer")
	}
	if len(log.types) != 0 {
		t.Fatalf("expected events held until commit, got %v", log.types)
	}
	if err := unit.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	unit.Release()

	holder, err := reg.CurrentCustodian(id)
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	if holder != bob {
		t.Fatalf("expected bob to hold %d after commit", id)
	}
	if len(log.types) != 1 || log.types[0] != EventTypeTransferred {
		t.Fatalf("expected one transfer event, got %v", log.types)
	}
}

func TestDiscardedUnitLeavesRegistryUntouched(t *testing.T) {
	db := storage.NewMemDB()
	reg := New(db)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	id, err := reg.Mint(context.Background(), alice, "ipfs://asset")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	log := &eventLog{}
	reg.SetEmitter(log)

	unit := storage.NewUnit(db)
	if err := reg.Burn(storage.WithUnit(context.Background(), unit), id, alice); err != nil {
		t.Fatalf("staged burn: %v", err)
	}
	unit.Release()

	if err := reg.TransferCustody(context.Background(), id, alice, bob); err != nil {
		t.Fatalf("transfer after discarded burn: %v", err)
	}
	if len(log.types) != 1 || log.types[0] != EventTypeTransferred {
		t.Fatalf("expected only the committed transfer event, got %v", log.types)
	}
}
