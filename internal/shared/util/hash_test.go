package util

import "testing"

func TestHashOwnerKey(t *testing.T) {
	id := "google:12345"
	got := HashOwnerKey(id)
	if got != HashOwnerKey(id) {
		t.Fatalf("expected stable hash, got %s", got)
	}
	for _, ch := range got {
		if !((ch >= 'a' && ch <= 'f') || (ch >= '0' && ch <= '9')) {
			t.Fatalf("hash contains non-hex character: %c", ch)
		}
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(got))
	}
}

func TestFingerprintCanonicalization(t *testing.T) {
	a := Fingerprint("Purchase   Agreement\n\tbetween BUYER and Seller")
	b := Fingerprint("purchase agreement between buyer and seller")
	if a != b {
		t.Fatalf("expected canonicalized inputs to share a fingerprint: %s vs %s", a, b)
	}
	if Fingerprint("purchase agreement") == Fingerprint("lease agreement") {
		t.Fatal("distinct contracts must not collide")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(a))
	}
}

func TestCanonicalizeText(t *testing.T) {
	got := CanonicalizeText("  THE  Buyer\nshall\tpay ")
	want := "the buyer shall pay"
	if got != want {
		t.Fatalf("canonicalize: got %q want %q", got, want)
	}
}
