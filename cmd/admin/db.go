package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/persistence/sqlitestore"
)

// dbCmd reads the coordinator's sqlite store directly. It works while the server is down.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/matchledger.sqlite", "sqlite db path")
	status := fs.String("status", "", "status filter (sessions)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	id := strings.TrimSpace(fs.Arg(1))
	if q != "sessions" && id == "" {
		fmt.Fprintln(os.Stderr, "missing session id")
		os.Exit(2)
	}

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch q {
	case "sessions":
		sessions, err := store.ListSessions(ctx, ledger.Status(*status))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, s := range sessions {
			printJSON(s)
		}

	case "moves":
		moves, err := store.ListMoves(ctx, id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, m := range moves {
			printJSON(m)
		}

	case "settlement":
		rec, ok, err := store.GetSettlement(ctx, id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "not settled")
			os.Exit(1)
		}
		printJSON(rec)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
