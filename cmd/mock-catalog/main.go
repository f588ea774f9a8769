package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/catalog-ark-enricher/internal/mockcatalog"
)

func main() {
	addr := defaultString("MOCK_CATALOG_ADDR", ":8089")
	recordsDir := defaultString("MOCK_CATALOG_RECORDS_DIR", "./records")
	username := defaultString("MOCK_CATALOG_USERNAME", "")
	password := defaultString("MOCK_CATALOG_PASSWORD", "")

	fs := flag.NewFlagSet("mock-catalog", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&recordsDir, "records-dir", recordsDir, "Directory of JSON records; agents/people/12.json serves /agents/people/12")
	fs.StringVar(&username, "username", username, "Accepted login username (empty accepts any)")
	fs.StringVar(&password, "password", password, "Accepted login password")
	_ = fs.Parse(os.Args[1:])

	srv := mockcatalog.New()
	if username != "" {
		srv.RequireCredentials(username, password)
	}
	if err := srv.LoadDir(recordsDir); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load records: %v\n", err)
		os.Exit(1)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-catalog listening on %s (records=%s)\n", addr, recordsDir)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
