package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/haohanyang/compass/internal/storage"
)

func TestPgIdent(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"db.people": `"db.people"`,
		`we"ird`:    `"we""ird"`,
	}
	for in, want := range tests {
		if got := pgIdent(in); got != want {
			t.Errorf("pgIdent(%q)=%s want %s", in, got, want)
		}
	}
}

// TestRegistrationUsesNewStoreHook verifies the "postgres" kind goes through
// the newStore hook so tests never dial a server.
func TestRegistrationUsesNewStoreHook(t *testing.T) {
	orig := newStore
	defer func() { newStore = orig }()

	var got string
	newStore = func(_ context.Context, dsn string) (*Store, error) {
		got = dsn
		return nil, errors.New("hooked")
	}
	dsn := "postgres://u:p@localhost:5432/db"
	if _, err := storage.New(context.Background(), "postgres", dsn); err == nil || got != dsn {
		t.Fatalf("err=%v dsn=%q", err, got)
	}
}
