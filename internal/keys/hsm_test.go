package keys

import (
	"errors"
	"testing"

	"github.com/miekg/pkcs11"
)

func TestEdwardsMechanismsBuild(t *testing.T) {
	// The module predates PKCS#11 v3.0, so the Edwards mechanism ids
	// are local. They must carry the 3.0 values on the wire.
	sign := pkcs11.NewMechanism(ckmEDDSA, nil)
	if sign.Mechanism != 0x1057 {
		t.Errorf("EdDSA mechanism = %#x, want 0x1057", sign.Mechanism)
	}
	gen := pkcs11.NewMechanism(ckmECEdwardsKeyPairGen, nil)
	if gen.Mechanism != 0x1055 {
		t.Errorf("Edwards keygen mechanism = %#x, want 0x1055", gen.Mechanism)
	}
}

func TestMapHSMError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{pkcs11.Error(pkcs11.CKR_PIN_INCORRECT), ErrInvalidPin},
		{pkcs11.Error(pkcs11.CKR_PIN_LOCKED), ErrInvalidPin},
		{pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID), ErrKeyNotFound},
		{pkcs11.Error(pkcs11.CKR_DEVICE_ERROR), ErrOperationFailed},
		{errors.New("not a pkcs11 error"), ErrOperationFailed},
	}
	for _, c := range cases {
		if got := mapHSMError(c.in); !errors.Is(got, c.want) {
			t.Errorf("mapHSMError(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
