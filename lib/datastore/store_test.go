// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/sealed"
)

const schema = `
CREATE TABLE IF NOT EXISTS account_bsdusers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bsdusr_username VARCHAR(32) NOT NULL UNIQUE,
	bsdusr_uid INTEGER NOT NULL,
	bsdusr_unixhash VARCHAR(128),
	bsdusr_locked BOOLEAN NOT NULL DEFAULT 0,
	bsdusr_attributes TEXT JSON NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS system_settings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stg_timezone VARCHAR(64) NOT NULL
);
INSERT OR IGNORE INTO system_settings (id, stg_timezone) VALUES (1, 'UTC');
`

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) record(change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func openTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	directory := t.TempDir()
	sealer, err := sealed.Open(filepath.Join(directory, "pwenc_secret"))
	if err != nil {
		t.Fatalf("sealed.Open: %v", err)
	}
	t.Cleanup(func() { sealer.Close() })

	changes := &recorder{}
	store, err := Open(Config{
		Path:      filepath.Join(directory, "freenas-v1.db"),
		Bootstrap: schema,
		Sealer:    sealer,
		Secrets:   map[string][]string{"account.bsdusers": {"bsdusr_unixhash"}},
		OnChange:  changes.record,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store, changes
}

func insertUser(t *testing.T, store *Store, username string, uid int) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), "account.bsdusers", map[string]any{
		"username":   username,
		"uid":        uid,
		"unixhash":   "$6$" + username,
		"locked":     false,
		"attributes": map[string]any{"theme": "dark"},
	}, "bsdusr_")
	if err != nil {
		t.Fatalf("Insert %s: %v", username, err)
	}
	return id
}

func TestInsertAndQuery(t *testing.T) {
	store, changes := openTestStore(t)
	ctx := context.Background()
	id := insertUser(t, store, "root", 0)
	insertUser(t, store, "alice", 1000)

	result, err := store.Query(ctx, "account.bsdusers",
		[]any{[]any{"username", "=", "root"}},
		filter.Options{Prefix: "bsdusr_", Get: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	row := result.(map[string]any)
	if row["id"] != id || row["uid"] != int64(0) {
		t.Errorf("row = %v", row)
	}
	if row["locked"] != false {
		t.Errorf("locked = %#v, want false", row["locked"])
	}
	if row["unixhash"] != "$6$root" {
		t.Errorf("unixhash = %v", row["unixhash"])
	}
	if row["attributes"].(map[string]any)["theme"] != "dark" {
		t.Errorf("attributes = %v", row["attributes"])
	}

	recorded := changes.snapshot()
	if len(recorded) != 2 || recorded[0].Operation != "insert" || recorded[0].Table != "account.bsdusers" {
		t.Fatalf("changes = %+v", recorded)
	}
	if recorded[0].Row["username"] != "root" {
		t.Errorf("change row = %v", recorded[0].Row)
	}
}

func TestSecretColumnsAreSealedAtRest(t *testing.T) {
	store, _ := openTestStore(t)
	insertUser(t, store, "root", 0)

	conn, err := store.readers.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer store.readers.Put(conn)
	stmt := conn.Prep("SELECT bsdusr_unixhash FROM account_bsdusers")
	defer stmt.Reset()
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		t.Fatalf("Step: %v %v", hasRow, err)
	}
	if stored := stmt.ColumnText(0); !sealed.IsSealed(stored) {
		t.Errorf("stored unixhash = %q, want sealed", stored)
	}
}

func TestForceSQLFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	insertUser(t, store, "root", 0)
	insertUser(t, store, "alice", 1000)
	insertUser(t, store, "bob", 1001)

	result, err := store.Query(ctx, "account.bsdusers",
		[]any{[]any{"uid", ">=", 1000}, []any{"username", "^", "a"}},
		filter.Options{Prefix: "bsdusr_", ForceSQLFilters: true})
	if err != nil {
		t.Fatal(err)
	}
	rows := result.([]map[string]any)
	if len(rows) != 1 || rows[0]["username"] != "alice" {
		t.Errorf("rows = %v", rows)
	}

	_, err = store.Query(ctx, "account.bsdusers",
		[]any{[]any{"username", "~", "^a"}},
		filter.Options{Prefix: "bsdusr_", ForceSQLFilters: true})
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Errno != apierror.EINVAL {
		t.Errorf("regex with force_sql_filters: %v", err)
	}
}

func TestUpdateVisibleToNextQuery(t *testing.T) {
	store, changes := openTestStore(t)
	ctx := context.Background()
	id := insertUser(t, store, "root", 0)

	if err := store.Update(ctx, "account.bsdusers", id, map[string]any{"locked": true}, "bsdusr_"); err != nil {
		t.Fatal(err)
	}
	row, err := store.Get(ctx, "account.bsdusers", id, "bsdusr_")
	if err != nil {
		t.Fatal(err)
	}
	if row["locked"] != true {
		t.Errorf("locked = %v after update", row["locked"])
	}
	last := changes.snapshot()[1]
	if last.Operation != "update" || last.Row["locked"] != true {
		t.Errorf("update change = %+v", last)
	}
}

func TestMissingRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var apiErr *apierror.Error
	if _, err := store.Get(ctx, "account.bsdusers", 42, "bsdusr_"); !errors.As(err, &apiErr) || apiErr.Kind != apierror.KindInstanceNotFound {
		t.Errorf("Get missing: %v", err)
	}
	if err := store.Update(ctx, "account.bsdusers", 42, map[string]any{"uid": 1}, "bsdusr_"); !errors.As(err, &apiErr) || apiErr.Errno != apierror.ENOENT {
		t.Errorf("Update missing: %v", err)
	}
	if err := store.Delete(ctx, "account.bsdusers", 42); !errors.As(err, &apiErr) || apiErr.Errno != apierror.ENOENT {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestUniqueViolation(t *testing.T) {
	store, changes := openTestStore(t)
	insertUser(t, store, "root", 0)

	_, err := store.Insert(context.Background(), "account.bsdusers", map[string]any{"username": "root", "uid": 1}, "bsdusr_")
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Errno != apierror.EEXIST {
		t.Fatalf("duplicate insert: %v", err)
	}
	if len(changes.snapshot()) != 1 {
		t.Error("failed write produced a change")
	}
}

func TestUnknownColumn(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Insert(context.Background(), "account.bsdusers", map[string]any{"color": "red"}, "bsdusr_")
	if err == nil {
		t.Fatal("insert with unknown column succeeded")
	}
}

func TestConfigAndDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	config, err := store.Config(ctx, "system.settings", "stg_")
	if err != nil {
		t.Fatal(err)
	}
	if config["timezone"] != "UTC" {
		t.Errorf("config = %v", config)
	}

	id := insertUser(t, store, "alice", 1000)
	if err := store.Delete(ctx, "account.bsdusers", id); err != nil {
		t.Fatal(err)
	}
	count, err := store.Query(ctx, "account.bsdusers", nil, filter.Options{Count: true})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count after delete = %v", count)
	}
}

func TestConcurrentWritesSerialize(t *testing.T) {
	store, changes := openTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(uid int) {
			defer wg.Done()
			_, err := store.Insert(context.Background(), "account.bsdusers", map[string]any{
				"username": "user" + string(rune('a'+uid)),
				"uid":      uid,
			}, "bsdusr_")
			if err != nil {
				t.Errorf("Insert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	recorded := changes.snapshot()
	if len(recorded) != 20 {
		t.Fatalf("recorded %d changes", len(recorded))
	}
	for i := 1; i < len(recorded); i++ {
		if recorded[i].ID <= recorded[i-1].ID {
			t.Fatalf("changes out of commit order: %d after %d", recorded[i].ID, recorded[i-1].ID)
		}
	}
}

func TestClosedStore(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := store.Insert(context.Background(), "account.bsdusers", map[string]any{"username": "x", "uid": 1}, "bsdusr_")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Close = %v", err)
	}
	if _, err := store.Get(context.Background(), "account.bsdusers", 1, "bsdusr_"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v", err)
	}
	if _, err := store.Query(context.Background(), "account.bsdusers", nil, filter.Options{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Query after Close = %v", err)
	}
	if err := store.Snapshot(context.Background(), filepath.Join(t.TempDir(), "copy.db")); !errors.Is(err, ErrClosed) {
		t.Errorf("Snapshot after Close = %v", err)
	}
}
