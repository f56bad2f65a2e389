package hdwallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatal(err)
	}
	return seed
}

func newTestDeriver(t *testing.T) *Deriver {
	t.Helper()
	d, err := New(testSeed(t), 60, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_SeedBounds(t *testing.T) {
	cases := []struct {
		name    string
		seedLen int
		wantErr bool
	}{
		{"too short", 15, true},
		{"min", 16, false},
		{"typical", 32, false},
		{"max", 64, false},
		{"too long", 65, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(bytes.Repeat([]byte{0xAB}, tc.seedLen), 60, 100)
			if tc.wantErr && !errors.Is(err, ErrInvalidSeed) {
				t.Fatalf("expected ErrInvalidSeed, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// ── Determinism / uniqueness ─────────────────────────────────────────────────

func TestDerive_Deterministic(t *testing.T) {
	d := newTestDeriver(t)
	for _, idx := range []uint32{0, 1, 7, 999} {
		a, err := d.Derive(idx)
		if err != nil {
			t.Fatalf("Derive(%d): %v", idx, err)
		}
		b, err := d.Derive(idx)
		if err != nil {
			t.Fatalf("Derive(%d) again: %v", idx, err)
		}
		if a.Address != b.Address {
			t.Errorf("index %d: addresses differ: %s vs %s", idx, a.Address.Hex(), b.Address.Hex())
		}
		if a.PrivateKeyHex() != b.PrivateKeyHex() {
			t.Errorf("index %d: private keys differ", idx)
		}
	}
}

func TestDerive_SameSeedSameWallet(t *testing.T) {
	d1 := newTestDeriver(t)
	d2 := newTestDeriver(t)
	a, _ := d1.Derive(42)
	b, _ := d2.Derive(42)
	if a.Address != b.Address || a.PrivateKeyHex() != b.PrivateKeyHex() {
		t.Fatal("two derivers from the same seed produced different wallets")
	}
}

func TestDerive_UniqueAcrossIndices(t *testing.T) {
	d := newTestDeriver(t)
	seen := make(map[string]uint32)
	for idx := uint32(0); idx < 200; idx++ {
		w, err := d.Derive(idx)
		if err != nil {
			t.Fatalf("Derive(%d): %v", idx, err)
		}
		addr := w.Address.Hex()
		if prev, dup := seen[addr]; dup {
			t.Fatalf("address collision: indices %d and %d both yield %s", prev, idx, addr)
		}
		seen[addr] = idx
	}
}

func TestDerive_DifferentSeedDifferentWallet(t *testing.T) {
	d1 := newTestDeriver(t)
	d2, err := New(bytes.Repeat([]byte{0x55}, 32), 60, 1000)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := d1.Derive(0)
	b, _ := d2.Derive(0)
	if a.Address == b.Address {
		t.Fatal("different seeds yielded the same address")
	}
}

// ── Path / bounds ────────────────────────────────────────────────────────────

func TestDerive_Path(t *testing.T) {
	d := newTestDeriver(t)
	w, err := d.Derive(7)
	if err != nil {
		t.Fatal(err)
	}
	if w.DerivationPath != "m/44'/60'/0'/0/7" {
		t.Errorf("path: got %q", w.DerivationPath)
	}
	if w.Index != 7 {
		t.Errorf("index: got %d", w.Index)
	}
}

func TestDerive_IndexOutOfRange(t *testing.T) {
	d := newTestDeriver(t)
	if _, err := d.Derive(1000); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestDerive_KeyMaterialShape(t *testing.T) {
	d := newTestDeriver(t)
	w, err := d.Derive(0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(w.PrivateKeyHex(), "0x") || len(w.PrivateKeyHex()) != 66 {
		t.Errorf("private key hex malformed: %q", w.PrivateKeyHex())
	}
	// Uncompressed secp256k1 public key: 0x04 || X || Y
	if len(w.PublicKeyHex()) != 132 {
		t.Errorf("public key hex malformed: %q", w.PublicKeyHex())
	}
}
