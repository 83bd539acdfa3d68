package auth

import "testing"

func TestHashTokenRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("jn_live_0c7e2f")
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}

	ok, err := VerifyToken("jn_live_0c7e2f", hash)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if !ok {
		t.Fatal("VerifyToken() = false for matching token")
	}

	ok, err = VerifyToken("jn_live_other", hash)
	if err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	if ok {
		t.Fatal("VerifyToken() = true for wrong token")
	}
}

func TestVerifyTokenRejectsMalformedHash(t *testing.T) {
	t.Parallel()

	if _, err := VerifyToken("anything", "not-an-argon2id-hash"); err == nil {
		t.Fatal("VerifyToken() error = nil for malformed hash")
	}
}
