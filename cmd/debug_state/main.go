// Dumps the persisted engine snapshot and recent journal rows as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "trader.db", "path to the sqlite database")
	trades := flag.Int("trades", 20, "journal rows to print")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	state, err := store.LoadState(ctx)
	switch err {
	case nil:
		out, _ := json.MarshalIndent(state, "", "  ")
		fmt.Printf("engine state:\n%s\n", out)
	case domain.ErrNoState:
		fmt.Println("no persisted engine state")
	default:
		fmt.Printf("Failed to load state: %v\n", err)
		os.Exit(1)
	}

	records, err := store.ListTrades(ctx, *trades)
	if err != nil {
		fmt.Printf("Failed to list trades: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(records, "", "  ")
	fmt.Printf("recent trades:\n%s\n", out)
}
