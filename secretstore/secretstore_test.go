package secretstore

import "testing"

func TestCheckPermanentNeverConsumed(t *testing.T) {
	s := New([][]byte{[]byte("perm-secret")})

	if !s.Check([]byte("perm-secret")) {
		t.Fatal("expected permanent secret to match")
	}
	if !s.Check([]byte("perm-secret")) {
		t.Fatal("permanent secret should still match on a second check")
	}
}

func TestCheckTemporaryConsumedOnMatch(t *testing.T) {
	s := New(nil)
	s.Add([]byte("one-shot"))

	if !s.Check([]byte("one-shot")) {
		t.Fatal("expected temporary secret to match on first use")
	}
	if s.Check([]byte("one-shot")) {
		t.Fatal("temporary secret should be consumed after first match")
	}
}

func TestCheckUnknownSecretFails(t *testing.T) {
	s := New([][]byte{[]byte("perm")})
	if s.Check([]byte("nope")) {
		t.Fatal("expected unknown secret to fail")
	}
}

func TestRemoveWithoutConsuming(t *testing.T) {
	s := New(nil)
	s.Add([]byte("removable"))

	if !s.Remove([]byte("removable")) {
		t.Fatal("expected Remove to report it found the secret")
	}
	if s.Check([]byte("removable")) {
		t.Fatal("removed secret should no longer match")
	}
	if s.Remove([]byte("removable")) {
		t.Fatal("Remove should report false for an already-removed secret")
	}
}
