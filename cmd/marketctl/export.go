package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nftmarket/crypto"
	"nftmarket/native/marketplace"
)

type saleRow struct {
	AssetID uint64 `parquet:"name=asset_id, type=INT64, convertedtype=UINT_64"`
	Seller  string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer   string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price   string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee     string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Cycles  int64  `parquet:"name=cycles, type=INT64"`
	Version int64  `parquet:"name=version, type=INT64"`
	SoldAt  string `parquet:"name=sold_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	var lf ledgerFlags
	lf.register(fs)
	target := fs.String("out", "sales.parquet", "Output parquet file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	snap, err := loadSnapshot(lf.backend, lf.path)
	if err != nil {
		return err
	}
	rows := salesRows(snap.listings)
	if err := writeParquet(*target, rows); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d sales to %s\n", len(rows), *target)
	return nil
}

// salesRows selects listings whose latest cycle ended in a sale. The seller
// and holder recorded on the listing are the two sides of that sale.
func salesRows(listings []*marketplace.Listing) []*saleRow {
	rows := make([]*saleRow, 0)
	for _, l := range listings {
		if !l.Sold {
			continue
		}
		rows = append(rows, &saleRow{
			AssetID: l.ID,
			Seller:  crypto.FromIdentity(l.Seller).String(),
			Buyer:   crypto.FromIdentity(l.Owner).String(),
			Price:   l.Price.String(),
			Fee:     l.Fee.String(),
			Cycles:  int64(l.Cycles),
			Version: int64(l.Version),
			SoldAt:  time.Unix(int64(l.UpdatedAt), 0).UTC().Format(time.RFC3339),
		})
	}
	return rows
}

func writeParquet(path string, rows []*saleRow) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("output path required")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(saleRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			file.Close()
			return fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("finalise parquet: %w", err)
	}
	return file.Close()
}
