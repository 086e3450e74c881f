package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"matchledger.ai/internal/chain"
	"matchledger.ai/internal/config"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

server commands (loopback admin HTTP):
  list       [-status active|ended]
  create     -a ID -b ID [-id SESSION] [-settings FILE]
  show       SESSION
  check      SESSION
  finalize   SESSION
  retry      SESSION
  ingest

offline commands:
  db         [-db PATH] sessions|moves|settlement [SESSION]
  escrow     [-config PATH] SESSION`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "list":
		listCmd(args)
	case "create":
		createCmd(args)
	case "show":
		sessionCmd("show", "GET", "", args)
	case "check":
		sessionCmd("check", "POST", "/check", args)
	case "finalize":
		sessionCmd("finalize", "POST", "/finalize", args)
	case "retry":
		sessionCmd("retry", "POST", "/retry_payout", args)
	case "ingest":
		ingestCmd(args)
	case "db":
		dbCmd(args)
	case "escrow":
		escrowCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

// escrowCmd prints the derived escrow address so it can be funded before the match.
func escrowCmd(args []string) {
	fs := flag.NewFlagSet("escrow", flag.ExitOnError)
	configPath := fs.String("config", "", "path to matchledger.yaml (optional)")
	dotenv := fs.String("env", ".env", "dotenv file")
	_ = fs.Parse(args)

	id := strings.TrimSpace(fs.Arg(0))
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing session id")
		os.Exit(2)
	}
	if err := config.LoadDotenv(*dotenv); err != nil {
		fmt.Fprintln(os.Stderr, "dotenv:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	fmt.Println(chain.DeriveEscrow([]byte(cfg.Secrets.EscrowSeed), id).Address())
}
