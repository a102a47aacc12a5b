package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/toolbridge/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "toolbridge.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}
	for _, table := range []string{"security_events", "bridge_sessions", "schema_migrations"} {
		name := queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='table' AND name='"+table+"';")
		if name != table {
			t.Fatalf("missing table %s", table)
		}
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	if err := store.InsertSecurityEvent(context.Background(), persistence.SecurityEvent{Severity: "info", Code: "connection_opened"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	events, err := reopened.ListSecurityEvents(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after reopen, got %d", len(events))
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, name) VALUES (99, 'future');`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path); err == nil {
		t.Fatal("expected error opening a database with a newer schema")
	}
}

func TestStore_RejectsRenamedMigration(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET name = 'something-else' WHERE version = 1;`); err != nil {
		t.Fatalf("rename migration: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path); err == nil {
		t.Fatal("expected error opening a database whose migration history diverged")
	}
}

func TestStore_RecordsEveryMigration(t *testing.T) {
	store, _ := openTestStore(t)
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("recorded %d migrations, want 2", n)
	}
}

func TestSecurityEvents_InsertListCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	events := []persistence.SecurityEvent{
		{Severity: "warn", Code: "credential_invalid", RemoteAddr: "10.0.0.1"},
		{Severity: "critical", Code: "fingerprint_mismatch", Identity: "alice", ConnectionID: "c-1"},
		{Severity: "warn", Code: "challenge_failed", Identity: "bob"},
	}
	for _, ev := range events {
		if err := store.InsertSecurityEvent(ctx, ev); err != nil {
			t.Fatalf("insert %s: %v", ev.Code, err)
		}
	}

	all, err := store.ListSecurityEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Code != "challenge_failed" {
		t.Fatalf("expected newest first, got %q", all[0].Code)
	}
	if all[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be stamped")
	}

	critical, err := store.ListSecurityEvents(ctx, "critical", 10)
	if err != nil {
		t.Fatalf("list critical: %v", err)
	}
	if len(critical) != 1 || critical[0].Identity != "alice" || critical[0].ConnectionID != "c-1" {
		t.Fatalf("unexpected critical events: %+v", critical)
	}

	counts, err := store.SecurityEventCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["warn"] != 2 || counts["critical"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestSecurityEvents_RejectsUnknownSeverity(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.InsertSecurityEvent(context.Background(), persistence.SecurityEvent{Severity: "fatal", Code: "x"})
	if err == nil {
		t.Fatal("expected CHECK constraint violation")
	}
}

func TestBridgeSessions_Lifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	opened := time.Now().UTC().Add(-time.Minute)

	if err := store.RecordSessionOpened(ctx, persistence.BridgeSession{
		ConnectionID: "c-1",
		Identity:     "alice",
		Fingerprint:  "fp",
		RemoteAddr:   "127.0.0.1",
		OpenedAt:     opened,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.MarkSessionVerified(ctx, "c-1", opened.Add(time.Second)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := store.RecordSessionClosed(ctx, "c-1", "superseded", opened.Add(2*time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}
	// A second close must not overwrite the first reason.
	if err := store.RecordSessionClosed(ctx, "c-1", "transport_closed", opened.Add(3*time.Second)); err != nil {
		t.Fatalf("close again: %v", err)
	}

	sessions, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Identity != "alice" || got.VerifiedAt == nil || got.ClosedAt == nil {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.CloseReason != "superseded" {
		t.Fatalf("close reason = %q, want superseded", got.CloseReason)
	}
}

func TestBridgeSessions_CloseOpenSessions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"c-1", "c-2"} {
		if err := store.RecordSessionOpened(ctx, persistence.BridgeSession{ConnectionID: id, Identity: id, Fingerprint: "fp"}); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	if err := store.RecordSessionClosed(ctx, "c-1", "transport_closed", time.Now()); err != nil {
		t.Fatalf("close: %v", err)
	}
	n, err := store.CloseOpenSessions(ctx, "server_restarted")
	if err != nil {
		t.Fatalf("close open: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 settled session, got %d", n)
	}
}

func TestRunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.AddDate(0, 0, -100)
	if err := store.InsertSecurityEvent(ctx, persistence.SecurityEvent{Severity: "warn", Code: "old", CreatedAt: old}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := store.InsertSecurityEvent(ctx, persistence.SecurityEvent{Severity: "warn", Code: "fresh", CreatedAt: now}); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	if err := store.RecordSessionOpened(ctx, persistence.BridgeSession{ConnectionID: "closed-old", Identity: "a", Fingerprint: "fp", OpenedAt: old}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.RecordSessionClosed(ctx, "closed-old", "transport_closed", old); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.RecordSessionOpened(ctx, persistence.BridgeSession{ConnectionID: "open-old", Identity: "b", Fingerprint: "fp", OpenedAt: old}); err != nil {
		t.Fatalf("open: %v", err)
	}

	res, err := store.RunRetention(ctx, now, 90, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedSecurityEvents != 1 || res.PurgedSessions != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	again, err := store.RunRetention(ctx, now, 90, 30)
	if err != nil {
		t.Fatalf("second retention: %v", err)
	}
	if again.PurgedSecurityEvents != 0 || again.PurgedSessions != 0 {
		t.Fatalf("retention should be idempotent, got %+v", again)
	}

	sessions, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ConnectionID != "open-old" {
		t.Fatalf("open session must survive retention: %+v", sessions)
	}
}
