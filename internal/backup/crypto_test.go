package backup

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte("SQLite format 3\x00 family chores")

	sealed, err := Seal(plaintext, "correct horse")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}

	got, err := Open(sealed, "correct horse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("open = %q, want %q", got, plaintext)
	}

	again, _ := Seal(plaintext, "correct horse")
	if bytes.Equal(sealed, again) {
		t.Error("two seals of the same data should differ")
	}
}

func TestOpenRejects(t *testing.T) {
	sealed, err := Seal([]byte("data"), "pass")
	if err != nil {
		t.Fatal(err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(magic)] ^= 0xff

	tests := []struct {
		name       string
		data       []byte
		passphrase string
		want       error
	}{
		{"wrong passphrase", sealed, "other", ErrPassphrase},
		{"tampered salt", tampered, "pass", ErrPassphrase},
		{"too short", sealed[:10], "pass", ErrNotSnapshot},
		{"plain sqlite file", []byte("SQLite format 3\x00 and more padding bytes here"), "pass", ErrNotSnapshot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.data, tt.passphrase); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSealRequiresPassphrase(t *testing.T) {
	if _, err := Seal([]byte("data"), ""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}
