package crypto

import "testing"

func TestVRF_ProveVerify_Roundtrip(t *testing.T) {
	key, err := GenerateVRFKey()
	if err != nil {
		t.Fatalf("GenerateVRFKey() error: %v", err)
	}

	alpha := []byte("slot-seed-42")
	beta, pi, err := key.Prove(alpha)
	if err != nil {
		t.Fatalf("Prove() error: %v", err)
	}
	if len(beta) != VRFOutputSize {
		t.Errorf("beta length = %d, want %d", len(beta), VRFOutputSize)
	}

	verifiedBeta, err := VerifyVRF(key.PublicKey(), alpha, pi)
	if err != nil {
		t.Fatalf("VerifyVRF() error: %v", err)
	}
	if string(verifiedBeta) != string(beta) {
		t.Error("verified beta should match proved beta")
	}
}

func TestVRF_Verify_WrongAlpha(t *testing.T) {
	key, err := GenerateVRFKey()
	if err != nil {
		t.Fatalf("GenerateVRFKey() error: %v", err)
	}

	_, pi, err := key.Prove([]byte("alpha-one"))
	if err != nil {
		t.Fatalf("Prove() error: %v", err)
	}

	if _, err := VerifyVRF(key.PublicKey(), []byte("alpha-two"), pi); err == nil {
		t.Error("expected verification error for mismatched alpha")
	}
}

func TestVRF_Verify_WrongKey(t *testing.T) {
	key1, err := GenerateVRFKey()
	if err != nil {
		t.Fatalf("GenerateVRFKey() error: %v", err)
	}
	key2, err := GenerateVRFKey()
	if err != nil {
		t.Fatalf("GenerateVRFKey() error: %v", err)
	}

	alpha := []byte("slot-seed")
	_, pi, err := key1.Prove(alpha)
	if err != nil {
		t.Fatalf("Prove() error: %v", err)
	}

	if _, err := VerifyVRF(key2.PublicKey(), alpha, pi); err == nil {
		t.Error("expected verification error for wrong public key")
	}
}

func TestVRF_Deterministic(t *testing.T) {
	key, err := GenerateVRFKey()
	if err != nil {
		t.Fatalf("GenerateVRFKey() error: %v", err)
	}

	alpha := []byte("deterministic")
	beta1, _, err := key.Prove(alpha)
	if err != nil {
		t.Fatalf("Prove() error: %v", err)
	}
	beta2, _, err := key.Prove(alpha)
	if err != nil {
		t.Fatalf("Prove() error: %v", err)
	}
	if string(beta1) != string(beta2) {
		t.Error("VRF output should be deterministic for the same key and alpha")
	}
}
