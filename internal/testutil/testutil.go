// Package testutil provides shared test helpers for setting up
// databases, spools, and key material.
package testutil

import (
	"os"
	"testing"

	"github.com/reliefops/xir/internal/seal"
	"github.com/reliefops/xir/internal/store"
)

// TestDB creates a temporary SQLite database that is automatically
// cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "xir-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestKeypair generates a throwaway node identity.
func TestKeypair(t *testing.T) *seal.Keypair {
	t.Helper()
	kp, err := seal.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}
