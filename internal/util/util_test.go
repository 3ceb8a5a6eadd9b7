package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := NewAESKey()
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, other, aad)
		if err == nil {
			t.Error("expected error with wrong key, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("ShortCipherText", func(t *testing.T) {
		_, err := DecryptAESWithAAD([]byte{1, 2, 3}, key, aad)
		if err == nil {
			t.Error("expected error for truncated ciphertext, got nil")
		}
	})
}

func TestXChaCha(t *testing.T) {
	key, _ := RandomBytes(32)
	plainText := []byte("wrapped storage key")
	aad := []byte("wrap")

	cipherText, err := EncryptXChaCha(plainText, key, aad)
	if err != nil {
		t.Fatalf("EncryptXChaCha failed: %v", err)
	}
	decrypted, err := DecryptXChaCha(cipherText, key, aad)
	if err != nil {
		t.Fatalf("DecryptXChaCha failed: %v", err)
	}
	if !bytes.Equal(plainText, decrypted) {
		t.Errorf("expected %s, got %s", plainText, decrypted)
	}

	cipherText[len(cipherText)-1] ^= 0xFF
	if _, err := DecryptXChaCha(cipherText, key, aad); err == nil {
		t.Error("expected error with tampered ciphertext, got nil")
	}
}

func TestPBKDF2(t *testing.T) {
	salt := []byte("0123456789abcdef")

	key1, err := DerivePBKDF2Key("1234", salt, MinPBKDF2Iterations)
	if err != nil {
		t.Fatalf("DerivePBKDF2Key failed: %v", err)
	}
	if len(key1) != AESKeySize {
		t.Errorf("expected key length %d, got %d", AESKeySize, len(key1))
	}

	key2, _ := DerivePBKDF2Key("1234", salt, MinPBKDF2Iterations)
	if !bytes.Equal(key1, key2) {
		t.Error("PBKDF2 should be deterministic")
	}

	key3, _ := DerivePBKDF2Key("0000", salt, MinPBKDF2Iterations)
	if bytes.Equal(key1, key3) {
		t.Error("different passcodes should derive different keys")
	}

	t.Run("NormalizesInput", func(t *testing.T) {
		composed, _ := DerivePBKDF2Key("caf\u00e9", salt, MinPBKDF2Iterations)
		decomposed, _ := DerivePBKDF2Key("cafe\u0301", salt, MinPBKDF2Iterations)
		if !bytes.Equal(composed, decomposed) {
			t.Error("equivalent unicode forms should derive the same key")
		}
	})

	t.Run("RejectsLowIterations", func(t *testing.T) {
		if _, err := DerivePBKDF2Key("1234", salt, 1000); err == nil {
			t.Error("expected error for iteration count below minimum")
		}
	})

	t.Run("RejectsEmptySalt", func(t *testing.T) {
		if _, err := DerivePBKDF2Key("1234", nil, MinPBKDF2Iterations); err == nil {
			t.Error("expected error for empty salt")
		}
	})
}

func TestHKDF(t *testing.T) {
	seed := []byte("seed")
	salt := []byte("salt")
	info := []byte("info")

	key1, err := HKDF(seed, salt, info)
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected key length 32, got %d", len(key1))
	}

	key2, _ := HKDF(seed, salt, info)
	if !bytes.Equal(key1, key2) {
		t.Error("HKDF should be deterministic")
	}

	key3, _ := HKDF(seed, salt, []byte("different info"))
	if bytes.Equal(key1, key3) {
		t.Error("HKDF should produce different output with different info")
	}
}

func TestBytes(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}

	copied := CopyBytes(a)
	if !bytes.Equal(copied, a) {
		t.Error("CopyBytes failed")
	}
	copied[0] = 0xFF
	if a[0] == 0xFF {
		t.Error("CopyBytes should return a new slice")
	}
	if CopyBytes(nil) != nil {
		t.Error("CopyBytes(nil) should return nil")
	}

	if !EqualBytes(a, []byte{0x01, 0x02, 0x03}) {
		t.Error("EqualBytes should match identical slices")
	}
	if EqualBytes(a, copied) {
		t.Error("EqualBytes should not match different slices")
	}

	WipeBytes(copied)
	if !bytes.Equal(copied, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", copied)
	}
}

func TestNormalize(t *testing.T) {
	normalized := Normalize("caf\u00e9")
	if normalized != "cafe\u0301" {
		t.Errorf("Normalize failed, got %q", normalized)
	}
}

func TestRandom(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("RandomBytes should produce different outputs")
	}

	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}
	if len(salt) != PBKDF2SaltSize {
		t.Errorf("expected salt of %d bytes, got %d", PBKDF2SaltSize, len(salt))
	}
}
