package bank

import (
	"context"
	"fmt"
	"math/big"
)

// EscrowPayments adapts a Ledger to the marketplace payment capability. All
// collected funds sit in the vault identity until they are disbursed.
type EscrowPayments struct {
	ledger *Ledger
	vault  [20]byte
}

// NewEscrowPayments binds the ledger to the marketplace vault identity.
func NewEscrowPayments(ledger *Ledger, vault [20]byte) (*EscrowPayments, error) {
	if ledger == nil {
		return nil, fmt.Errorf("bank: ledger required")
	}
	if vault == ([20]byte{}) {
		return nil, fmt.Errorf("bank: vault identity required")
	}
	return &EscrowPayments{ledger: ledger, vault: vault}, nil
}

// Vault returns the identity holding escrowed funds.
func (p *EscrowPayments) Vault() [20]byte { return p.vault }

// Collect moves amount from the payer into the vault.
func (p *EscrowPayments) Collect(ctx context.Context, from [20]byte, amount *big.Int) error {
	return p.ledger.Transfer(ctx, from, p.vault, amount)
}

// Pay disburses amount from the vault to the recipient.
func (p *EscrowPayments) Pay(ctx context.Context, to [20]byte, amount *big.Int) error {
	return p.ledger.Transfer(ctx, p.vault, to, amount)
}
