package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestSealOpen(t *testing.T) {
	key := testKey()
	sealed, err := Seal("JBSWY3DPEHPK3PXP", key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "JBSWY3DPEHPK3PXP") {
		t.Fatalf("value not sealed: %q", sealed)
	}
	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("got %q", got)
	}

	other := bytes.Repeat([]byte{0x01}, KeySize)
	if _, err := Open(sealed, other); err == nil {
		t.Fatal("expected error opening with the wrong key")
	}
	if _, err := Open(sealed, nil); !errors.Is(err, ErrNoKey) {
		t.Fatalf("nil key: got %v", err)
	}
}

func TestSealWithoutKey(t *testing.T) {
	sealed, err := Seal("secret", nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if IsSealed(sealed) || !strings.HasPrefix(sealed, "plain:") {
		t.Fatalf("got %q", sealed)
	}
	got, err := Open(sealed, nil)
	if err != nil || got != "secret" {
		t.Fatalf("Open: %q %v", got, err)
	}
}

func TestOpenBareValue(t *testing.T) {
	got, err := Open("JBSWY3DPEHPK3PXP", testKey())
	if err != nil || got != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestParseKey(t *testing.T) {
	key := testKey()

	if k, err := ParseKey(""); err != nil || k != nil {
		t.Fatalf("empty: %v %v", k, err)
	}
	if k, err := ParseKey(hex.EncodeToString(key)); err != nil || !bytes.Equal(k, key) {
		t.Fatalf("hex: %v", err)
	}
	if k, err := ParseKey(base64.StdEncoding.EncodeToString(key)); err != nil || !bytes.Equal(k, key) {
		t.Fatalf("base64: %v", err)
	}
	if k, err := ParseKey(base64.RawStdEncoding.EncodeToString(key)); err != nil || !bytes.Equal(k, key) {
		t.Fatalf("raw base64: %v", err)
	}
	if _, err := ParseKey("too-short"); err == nil {
		t.Fatal("expected error for short key")
	}
}
