package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/idvault/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte("top secret")
	aad := []byte("context")

	env, err := SealRecord(key, plain, aad)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}

	if env.Ver != 1 {
		t.Errorf("expected version 1, got %d", env.Ver)
	}
	if env.Scheme != SchemeAES256GCM {
		t.Errorf("expected scheme %s, got %s", SchemeAES256GCM, env.Scheme)
	}
	if len(env.Nonce) != util.AESNonceSize {
		t.Errorf("expected %d byte nonce, got %d", util.AESNonceSize, len(env.Nonce))
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}

	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.NewAESKey()
		_, err := OpenRecord(wrongKey, env, aad)
		if err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		_, err := OpenRecord(key, &badEnv, aad)
		if err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		badEnv := *env
		badEnv.Scheme = "unknown"
		_, err := OpenRecord(key, &badEnv, aad)
		if err == nil {
			t.Error("expected error with unsupported scheme, got nil")
		}
	})

	t.Run("Clone", func(t *testing.T) {
		cp := env.Clone()
		cp.Ciphertext[0] ^= 0xFF
		if bytes.Equal(cp.Ciphertext, env.Ciphertext) {
			t.Error("Clone should not share ciphertext storage")
		}
	})
}

func TestWrapEnvelope(t *testing.T) {
	key, _ := util.RandomBytes(32)
	plain := []byte("storage key bytes")
	aad := []byte("wrap")

	env, err := SealWrapRecord(key, plain, aad)
	if err != nil {
		t.Fatalf("SealWrapRecord failed: %v", err)
	}
	if env.Scheme != SchemeXChaCha20Poly1305 {
		t.Errorf("expected scheme %s, got %s", SchemeXChaCha20Poly1305, env.Scheme)
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}
}
