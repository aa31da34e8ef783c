package crypto

import "testing"

func TestKeyCheck_BuildVerify(t *testing.T) {
	key := testKey(t)
	kc, err := BuildKeyCheck(key)
	if err != nil {
		t.Fatalf("BuildKeyCheck: %v", err)
	}
	if !VerifyKeyCheck(key, kc) {
		t.Fatal("fresh keycheck failed verification")
	}
	if VerifyKeyCheck(testKey(t), kc) {
		t.Fatal("different key verified the keycheck")
	}
}

func TestVerifyOrRebuild(t *testing.T) {
	key := testKey(t)
	kc, err := BuildKeyCheck(key)
	if err != nil {
		t.Fatalf("BuildKeyCheck: %v", err)
	}

	same, rebuilt, err := VerifyOrRebuild(key, kc)
	if err != nil {
		t.Fatalf("VerifyOrRebuild: %v", err)
	}
	if rebuilt {
		t.Fatal("valid keycheck was rebuilt")
	}
	if string(same.Check) != string(kc.Check) {
		t.Fatal("valid keycheck was replaced")
	}

	// Empty artifact (first run) rebuilds.
	fresh, rebuilt, err := VerifyOrRebuild(key, KeyCheck{})
	if err != nil {
		t.Fatalf("VerifyOrRebuild empty: %v", err)
	}
	if !rebuilt || !VerifyKeyCheck(key, fresh) {
		t.Fatal("empty keycheck not rebuilt to a valid artifact")
	}

	// Artifact sealed under another key rebuilds.
	otherKC, err := BuildKeyCheck(testKey(t))
	if err != nil {
		t.Fatalf("BuildKeyCheck other: %v", err)
	}
	fixed, rebuilt, err := VerifyOrRebuild(key, otherKC)
	if err != nil {
		t.Fatalf("VerifyOrRebuild stale: %v", err)
	}
	if !rebuilt || !VerifyKeyCheck(key, fixed) {
		t.Fatal("stale keycheck not rebuilt")
	}
}
