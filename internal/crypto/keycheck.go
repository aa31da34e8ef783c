package crypto

// KeyCheck is a small sealed artifact stored beside task state. Before a
// resumed download decrypts anything, the cached artifact is opened with the
// delivered key: success proves the key still matches what sealed the chunks.
// On failure the artifact is rebuilt from the delivered key rather than
// silently continuing with an unusable one.

const keyCheckPlaintext = "skiff-keycheck-v1"

// KeyCheck holds the sealed self-test value.
type KeyCheck struct {
	IV    []byte `json:"iv"`
	Check []byte `json:"check"`
}

// BuildKeyCheck seals the well-known constant under key.
func BuildKeyCheck(key []byte) (KeyCheck, error) {
	iv, ct, err := SealChunk(key, []byte(keyCheckPlaintext))
	if err != nil {
		return KeyCheck{}, err
	}
	return KeyCheck{IV: iv, Check: ct}, nil
}

// VerifyKeyCheck reports whether key opens the artifact.
func VerifyKeyCheck(key []byte, kc KeyCheck) bool {
	pt, err := OpenChunk(key, kc.IV, kc.Check)
	if err != nil {
		return false
	}
	return string(pt) == keyCheckPlaintext
}

// VerifyOrRebuild self-tests the cached artifact and rebuilds it when the
// test fails. The second return value reports whether a rebuild happened.
func VerifyOrRebuild(key []byte, kc KeyCheck) (KeyCheck, bool, error) {
	if len(kc.IV) == IVLen && VerifyKeyCheck(key, kc) {
		return kc, false, nil
	}
	rebuilt, err := BuildKeyCheck(key)
	if err != nil {
		return KeyCheck{}, false, err
	}
	return rebuilt, true, nil
}
