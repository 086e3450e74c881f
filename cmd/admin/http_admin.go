package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/admin/v1" + path
}

func do(method, u string, body io.Reader) {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Finalize and payout retries wait on the chain.
	cl := &http.Client{Timeout: 90 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	status := fs.String("status", "", "filter by status (active|ended)")
	_ = fs.Parse(args)

	u := adminURL(*baseURL, "/sessions")
	if *status != "" {
		u += "?status=" + url.QueryEscape(*status)
	}
	do(http.MethodGet, u, nil)
}

func createCmd(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	id := fs.String("id", "", "session id (optional; generated when empty)")
	a := fs.String("a", "", "first participant (moves first)")
	b := fs.String("b", "", "second participant")
	settingsPath := fs.String("settings", "", "engine settings JSON file (optional)")
	_ = fs.Parse(args)

	if *a == "" || *b == "" {
		fmt.Fprintln(os.Stderr, "missing -a or -b")
		os.Exit(2)
	}
	req := map[string]any{"id": *id, "participants": [2]string{*a, *b}}
	if *settingsPath != "" {
		raw, err := os.ReadFile(*settingsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read settings:", err)
			os.Exit(1)
		}
		if !json.Valid(raw) {
			fmt.Fprintln(os.Stderr, "settings file is not valid JSON")
			os.Exit(2)
		}
		req["settings"] = json.RawMessage(raw)
	}
	body, _ := json.Marshal(req)
	do(http.MethodPost, adminURL(*baseURL, "/sessions"), bytes.NewReader(body))
}

func sessionCmd(name, method, suffix string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	id := strings.TrimSpace(fs.Arg(0))
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing session id")
		os.Exit(2)
	}
	do(method, adminURL(*baseURL, "/sessions/"+url.PathEscape(id)+suffix), nil)
}

func ingestCmd(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	do(http.MethodGet, adminURL(*baseURL, "/ingest"), nil)
}
