// Package testutil provides a migrated in-memory database and a seeded
// family for package tests.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/dukerupert/taskpact/internal/database"
)

// NewTestDB opens a fresh migrated in-memory database that is closed when
// the test ends.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Family holds the ids of a seeded family: one parent and two children.
type Family struct {
	ID     int64
	Parent int64
	Alice  int64
	Bob    int64
}

// SeedFamily inserts a family in timezone tz with a parent and two children
// holding the given starting points.
func SeedFamily(t *testing.T, db *sql.DB, tz string, childPoints int) Family {
	t.Helper()
	result, err := db.Exec(`INSERT INTO families (name, timezone) VALUES ('Test', ?)`, tz)
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	var f Family
	f.ID, _ = result.LastInsertId()

	member := func(name, role string, points int) int64 {
		res, err := db.Exec(
			`INSERT INTO family_members (family_id, name, role, points) VALUES (?, ?, ?, ?)`,
			f.ID, name, role, points,
		)
		if err != nil {
			t.Fatalf("create member %s: %v", name, err)
		}
		id, _ := res.LastInsertId()
		return id
	}
	f.Parent = member("Pat", "parent", 0)
	f.Alice = member("Alice", "child", childPoints)
	f.Bob = member("Bob", "child", childPoints)
	return f
}

// Points reads a member's balance directly.
func Points(t *testing.T, db *sql.DB, memberID int64) int {
	t.Helper()
	var p int
	if err := db.QueryRow(`SELECT points FROM family_members WHERE id = ?`, memberID).Scan(&p); err != nil {
		t.Fatalf("read points: %v", err)
	}
	return p
}
