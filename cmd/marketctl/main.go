package main

import (
	"fmt"
	"os"
)

const (
	keygenCommand  = "keygen"
	tokenCommand   = "token"
	inspectCommand = "inspect"
	exportCommand  = "export-sales"

	defaultPassEnv   = "MARKETCTL_KEYSTORE_PASS"
	defaultSecretEnv = "MARKETD_AUTH_SECRET"
	defaultBackend   = "leveldb"
	defaultPath      = "./data/marketd/ledger"
	defaultVault     = "marketplace/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case inspectCommand:
		err = runInspect(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: marketctl <command> [flags]

Commands:
  %-13s generate an operator key and write an encrypted keystore
  %-13s sign a development bearer token for marketd
  %-13s print ledger counters and listings from an offline ledger
  %-13s write sold listings to a parquet file
`, keygenCommand, tokenCommand, inspectCommand, exportCommand)
}
