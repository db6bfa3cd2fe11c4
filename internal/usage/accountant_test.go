package usage

import (
	"context"
	"path/filepath"
	"testing"

	"convoai/internal/apperr"
	"convoai/internal/storage"
)

type keyFlag bool

func (k keyFlag) HasUserKey(context.Context, int64) (bool, error) { return bool(k), nil }

func TestRecordAndSnapshot(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "usage.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	u, err := st.CreateUser(ctx, storage.User{Username: "u", PasswordHash: "x"}, "gemini")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	a := NewAccountant(st, keyFlag(true))
	for _, n := range []int64{5, 0, 7} {
		if err := a.Record(ctx, u.ID, n); err != nil {
			t.Fatalf("record %d: %v", n, err)
		}
	}
	if err := a.Record(ctx, u.ID, -1); !apperr.Is(err, apperr.ValidationError) {
		t.Fatalf("negative usage must be rejected, got %v", err)
	}

	snap, err := a.Snapshot(ctx, u.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalTokensUsed != 12 || !snap.HasCustomAPIKey {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := a.Snapshot(ctx, u.ID+100); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
