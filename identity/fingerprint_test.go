package identity

import "testing"

func TestStripParams(t *testing.T) {
	in := "https://www.royalcaribbean.com/checkout/guest-info?sailDate=2026-06-01&r0y=abc&shipCode=IC&r0x=1"
	want := "https://www.royalcaribbean.com/checkout/guest-info?sailDate=2026-06-01&shipCode=IC"
	if got := StripParams(in); got != want {
		t.Fatalf("StripParams = %q, want %q", got, want)
	}
	if got := StripParams("https://example.com/a?x=1", "x"); got != "https://example.com/a" {
		t.Fatalf("StripParams custom = %q", got)
	}
}

func TestItemKeyIgnoresTrackingAndOrder(t *testing.T) {
	a := ItemKey("cruise", "https://WWW.Example.com/p?shipCode=IC&sailDate=2026-06-01&r0y=1")
	b := ItemKey("cruise", "https://www.example.com/p?sailDate=2026-06-01&shipCode=IC&r0x=zz")
	if a != b {
		t.Fatalf("expected equal keys, got %s and %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if ItemKey("addons", "https://www.example.com/p?sailDate=2026-06-01&shipCode=IC") == a {
		t.Fatalf("kind must be part of the key")
	}
	if ItemKey("offers", " Me@Example.com ") != ItemKey("offers", "me@example.com") {
		t.Fatalf("plain locators should normalize case and whitespace")
	}
}

func TestShortHashStable(t *testing.T) {
	if ShortHash("Free  Cruise\nOffer") != ShortHash("free cruise offer") {
		t.Fatalf("ShortHash should normalize whitespace and case")
	}
	if len(ShortHash("x")) != 12 {
		t.Fatalf("unexpected hash length")
	}
}
