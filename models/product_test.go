package models

import "testing"

func TestProductIDDeterministic(t *testing.T) {
	first := ProductID("https://site.test/p/1")
	second := ProductID("https://site.test/p/1")
	if first != second {
		t.Fatalf("identity not deterministic: %s != %s", first, second)
	}
	if len(first) != 32 {
		t.Fatalf("identity length = %d, want 32 hex chars", len(first))
	}
	if other := ProductID("https://site.test/p/2"); other == first {
		t.Fatalf("distinct urls produced the same identity %s", first)
	}
}

func TestProductIDTrimsWhitespace(t *testing.T) {
	if ProductID("  https://site.test/p/1\n") != ProductID("https://site.test/p/1") {
		t.Fatalf("surrounding whitespace should not change the identity")
	}
}

func TestProductIDKnownDigest(t *testing.T) {
	// md5("https://example.com")
	if got := ProductID("https://example.com"); got != "c984d06aafbecf6bc55569f964148ea3" {
		t.Fatalf("ProductID = %s", got)
	}
}
