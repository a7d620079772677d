package secrets

import (
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	ct, err := box.Encrypt("gho_supersecret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ct == "gho_supersecret" {
		t.Fatal("ciphertext equals plaintext")
	}

	pt, err := box.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if pt != "gho_supersecret" {
		t.Fatalf("got %q", pt)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	box, _ := NewBox(testKey)
	a, _ := box.Encrypt("same")
	b, _ := box.Encrypt("same")
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced the same ciphertext")
	}
}

func TestDecryptTampered(t *testing.T) {
	box, _ := NewBox(testKey)
	ct, _ := box.Encrypt("value")

	tampered := strings.Replace(ct, string(ct[len(ct)-1]), "A", 1)
	if tampered == ct {
		tampered = ct[:len(ct)-1] + "B"
	}
	if _, err := box.Decrypt(tampered); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestNewBoxBadKey(t *testing.T) {
	for _, key := range []string{"", "abcd", "zz" + testKey[2:]} {
		if _, err := NewBox(key); err == nil {
			t.Errorf("NewBox(%q): expected error", key)
		}
	}
}

func TestTokenHashVerify(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	hash := HashToken(token)

	if !VerifyToken(token, hash) {
		t.Fatal("token does not verify against its own hash")
	}
	if VerifyToken("wrong", hash) {
		t.Fatal("wrong token verified")
	}
	if VerifyToken(token, HashToken("other")) {
		t.Fatal("token verified against another token's hash")
	}
}

func TestSignDeterministic(t *testing.T) {
	a := Sign("secret", []byte(`{"x":1}`))
	b := Sign("secret", []byte(`{"x":1}`))
	if a != b {
		t.Fatal("same input signed differently")
	}
	if Sign("other", []byte(`{"x":1}`)) == a {
		t.Fatal("different secret produced same signature")
	}
}
