package account

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"convoai/internal/crypto"
	"convoai/internal/storage"
)

func TestRotateKeys(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	alice := register(t, svc, "alice")
	bob := register(t, svc, "bob")
	if err := svc.SetAPIKey(ctx, alice.ID, "groq", "alice-groq"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := svc.SetAPIKey(ctx, bob.ID, "cohere", "bob-cohere"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	broken := `{"kid":"k1","n":"AAAA","ct":"AAAA"}`
	if err := st.SetProviderKey(ctx, bob.ID, "gemini", &broken); err != nil {
		t.Fatalf("store broken key: %v", err)
	}

	next, err := crypto.NewKeyring("k2", map[string][]byte{
		"k1": bytes.Repeat([]byte{3}, 32),
		"k2": bytes.Repeat([]byte{4}, 32),
	})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	rotating := New(Config{Store: st, Keyring: next, BcryptCost: bcrypt.MinCost, Logger: zerolog.Nop()})

	rep, err := rotating.RotateKeys(ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if rep.Total != 3 || rep.Rotated != 2 || rep.Failed != 1 {
		t.Fatalf("unexpected dry-run report %+v", rep)
	}
	if kid := keyID(t, st, alice.ID, "groq"); kid != "k1" {
		t.Fatalf("dry run must not write, kid %s", kid)
	}

	rep, err = rotating.RotateKeys(ctx, false)
	if err != nil || rep.Rotated != 2 {
		t.Fatalf("rotate: %+v %v", rep, err)
	}
	if kid := keyID(t, st, alice.ID, "groq"); kid != "k2" {
		t.Fatalf("key not re-sealed, kid %s", kid)
	}
	setting, _ := st.GetProviderSetting(ctx, bob.ID, "cohere")
	plain, err := next.Open(*setting.EncAPIKey, crypto.APIKeyBinding(bob.ID, "cohere"))
	if err != nil || plain != "bob-cohere" {
		t.Fatalf("re-sealed key does not open: %q %v", plain, err)
	}

	rep, _ = rotating.RotateKeys(ctx, false)
	if rep.Rotated != 0 || rep.Unchanged != 2 {
		t.Fatalf("second rotation should be a no-op: %+v", rep)
	}
}

func keyID(t *testing.T, st *storage.Store, userID int64, provider string) string {
	t.Helper()
	setting, err := st.GetProviderSetting(context.Background(), userID, provider)
	if err != nil || !setting.HasKey() {
		t.Fatalf("load setting: %+v %v", setting, err)
	}
	var env struct {
		KeyID string `json:"kid"`
	}
	if err := json.Unmarshal([]byte(*setting.EncAPIKey), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.KeyID
}
