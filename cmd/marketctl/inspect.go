package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"nftmarket/crypto"
	"nftmarket/native/marketplace"
	"nftmarket/storage"
)

type ledgerFlags struct {
	backend string
	path    string
	vault   string
}

func (f *ledgerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.backend, "backend", defaultBackend, "Ledger backend (leveldb, bolt)")
	fs.StringVar(&f.path, "path", defaultPath, "Ledger path")
	fs.StringVar(&f.vault, "vault", defaultVault, "Vault identity (bech32) or the label it is derived from")
}

func (f *ledgerFlags) vaultIdentity() [20]byte {
	if id, err := crypto.ParseIdentity(strings.TrimSpace(f.vault)); err == nil {
		return id
	}
	return crypto.DeriveIdentity(f.vault)
}

// snapshot is the offline view of a ledger read in one pass.
type snapshot struct {
	meta     *marketplace.Meta
	listings []*marketplace.Listing
}

func loadSnapshot(backend, path string) (*snapshot, error) {
	if backend == storage.BackendMemory {
		return nil, fmt.Errorf("backend %q has no persistent state to inspect", backend)
	}
	db, err := storage.Open(backend, path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	snap := &snapshot{}
	err = marketplace.NewStore(db).View(func(tx *marketplace.ReadTx) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		snap.meta = meta
		return tx.ForEach(func(l *marketplace.Listing) bool {
			snap.listings = append(snap.listings, l)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return snap, nil
}

func runInspect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(inspectCommand, flag.ContinueOnError)
	var lf ledgerFlags
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	snap, err := loadSnapshot(lf.backend, lf.path)
	if err != nil {
		return err
	}
	return printSnapshot(out, snap, lf.vaultIdentity())
}

func printSnapshot(out io.Writer, snap *snapshot, vault [20]byte) error {
	listed := 0
	for _, l := range snap.listings {
		if l.StateFor(vault) == marketplace.StateListed {
			listed++
		}
	}
	fmt.Fprintf(out, "minted: %d\nsold: %d\nlisted: %d\nnext id: %d\nlisting fee: %s\n\n",
		snap.meta.Minted(), snap.meta.SoldCount, listed, snap.meta.NextID, snap.meta.ListingFee)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSELLER\tHOLDER\tPRICE\tFEE\tVERSION")
	for _, l := range snap.listings {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			l.ID, l.StateFor(vault), crypto.FromIdentity(l.Seller), crypto.FromIdentity(l.Owner),
			l.Price, l.Fee, l.Version)
	}
	return tw.Flush()
}
