package e2ee

import (
	"bytes"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a, err := DeriveKey("shared-secret", "room_1")
		if err != nil {
			t.Fatal(err)
		}
		b, err := DeriveKey("shared-secret", "room_1")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatal("same passphrase and room produced different keys")
		}
		if len(a) != KeySize {
			t.Fatalf("key length = %d, want %d", len(a), KeySize)
		}
	})

	t.Run("room id salts the key", func(t *testing.T) {
		a, _ := DeriveKey("shared-secret", "room_1")
		b, _ := DeriveKey("shared-secret", "room_2")
		if bytes.Equal(a, b) {
			t.Fatal("different rooms produced the same key")
		}
	})

	t.Run("empty passphrase rejected", func(t *testing.T) {
		if _, err := DeriveKey("", "room_1"); err == nil {
			t.Fatal("expected error for empty passphrase")
		}
	})
}
