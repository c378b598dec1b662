package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", Database: "polyarb", User: "u", Password: "p"})
	if got != "postgres://u:p@db:5432/polyarb?sslmode=disable" {
		t.Fatalf("dsn = %q", got)
	}
	if got := DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}); got != "postgres://x" {
		t.Fatalf("explicit dsn not preferred: %q", got)
	}
}

func TestListQuery(t *testing.T) {
	q, args := listQuery(domain.ListOpts{})
	if !strings.HasSuffix(q, "ORDER BY started_at DESC LIMIT $1") || len(args) != 1 || args[0] != 100 {
		t.Fatalf("default query = %q %v", q, args)
	}

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	q, args = listQuery(domain.ListOpts{Since: &since, Until: &until, Limit: 10, Offset: 20})
	for _, frag := range []string{"started_at >= $1", "started_at < $2", "LIMIT $3", "OFFSET $4"} {
		if !strings.Contains(q, frag) {
			t.Fatalf("query %q missing %q", q, frag)
		}
	}
	if len(args) != 4 || args[0] != since || args[3] != 20 {
		t.Fatalf("args = %v", args)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames(migrationsFS)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("migrations = %v", names)
	}
	body, _ := migrationsFS.ReadFile("migrations/001_init.sql")
	for _, table := range []string{"arb_trades", "arb_trade_legs", "merge_results"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("001_init.sql does not create %s", table)
		}
	}
}
