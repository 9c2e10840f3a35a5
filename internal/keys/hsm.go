package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/miekg/pkcs11"
)

// Edwards-curve mechanisms from PKCS#11 v3.0; the pinned pkcs11 module
// predates the 3.0 header and does not define them.
const (
	ckmECEdwardsKeyPairGen = uint(0x00001055) // CKM_EC_EDWARDS_KEY_PAIR_GEN
	ckmEDDSA               = uint(0x00001057) // CKM_EDDSA
)

// HSMBackend signs through a PKCS#11 hardware security module. One session
// is opened and logged in at construction and reused for the life of the
// process; key objects are located by label.
type HSMBackend struct {
	mu      sync.Mutex
	mod     *pkcs11.Ctx
	session pkcs11.SessionHandle
}

// NewHSMBackend loads the PKCS#11 module, opens a session on the first
// slot, and logs in with the user pin.
func NewHSMBackend(modulePath, pin string) (*HSMBackend, error) {
	mod := pkcs11.New(modulePath)
	if mod == nil {
		return nil, fmt.Errorf("%w: cannot load pkcs11 module %s", ErrOperationFailed, modulePath)
	}
	if err := mod.Initialize(); err != nil {
		return nil, mapHSMError(err)
	}

	slots, err := mod.GetSlotList(true)
	if err != nil {
		mod.Finalize()
		return nil, mapHSMError(err)
	}
	if len(slots) == 0 {
		mod.Finalize()
		return nil, fmt.Errorf("%w: no pkcs11 slots with a token present", ErrOperationFailed)
	}

	session, err := mod.OpenSession(slots[0], pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		mod.Finalize()
		return nil, mapHSMError(err)
	}
	if err := mod.Login(session, pkcs11.CKU_USER, pin); err != nil {
		mod.CloseSession(session)
		mod.Finalize()
		return nil, mapHSMError(err)
	}

	return &HSMBackend{mod: mod, session: session}, nil
}

func (b *HSMBackend) Name() string { return "hsm" }

// Close logs out and unloads the module.
func (b *HSMBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mod.Logout(b.session)
	b.mod.CloseSession(b.session)
	b.mod.Finalize()
	return nil
}

func (b *HSMBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	priv, err := b.findObject(pkcs11.CKO_PRIVATE_KEY, keyID)
	if err != nil {
		return nil, err
	}

	var mech *pkcs11.Mechanism
	var payload []byte
	switch DetectKeyType(keyID) {
	case KeyTypeXRP:
		mech = pkcs11.NewMechanism(ckmEDDSA, nil)
		payload = message
	default:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
		payload = crypto.Keccak256(message)
	}

	if err := b.mod.SignInit(b.session, []*pkcs11.Mechanism{mech}, priv); err != nil {
		return nil, mapHSMError(err)
	}
	sig, err := b.mod.Sign(b.session, payload)
	if err != nil {
		return nil, mapHSMError(err)
	}
	return sig, nil
}

func (b *HSMBackend) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pub, err := b.findObject(pkcs11.CKO_PUBLIC_KEY, keyID)
	if err != nil {
		return nil, err
	}

	attrs, err := b.mod.GetAttributeValue(b.session, pub, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, mapHSMError(err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, fmt.Errorf("%w: key %s has no EC point attribute", ErrOperationFailed, keyID)
	}
	return attrs[0].Value, nil
}

// RotateKey generates a fresh key pair on the token. The private half is
// marked sensitive and non-extractable so it can never leave the device.
func (b *HSMBackend) RotateKey(ctx context.Context, keyID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	newID := keyID + "-rotated"

	var mech *pkcs11.Mechanism
	if DetectKeyType(keyID) == KeyTypeXRP {
		mech = pkcs11.NewMechanism(ckmECEdwardsKeyPairGen, nil)
	} else {
		mech = pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)
	}

	pubTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, newID),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	}
	privTemplate := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, newID),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
	}

	if _, _, err := b.mod.GenerateKeyPair(b.session, []*pkcs11.Mechanism{mech}, pubTemplate, privTemplate); err != nil {
		return "", mapHSMError(err)
	}
	return newID, nil
}

func (b *HSMBackend) findObject(class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := b.mod.FindObjectsInit(b.session, template); err != nil {
		return 0, mapHSMError(err)
	}
	objs, _, err := b.mod.FindObjects(b.session, 1)
	b.mod.FindObjectsFinal(b.session)
	if err != nil {
		return 0, mapHSMError(err)
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("%w: no object labeled %s", ErrKeyNotFound, label)
	}
	return objs[0], nil
}

// mapHSMError translates known PKCS#11 return codes onto the package's
// sentinel errors.
func mapHSMError(err error) error {
	var pe pkcs11.Error
	if !errors.As(err, &pe) {
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	switch pe {
	case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_LOCKED:
		return fmt.Errorf("%w: %v", ErrInvalidPin, err)
	case pkcs11.CKR_OBJECT_HANDLE_INVALID, pkcs11.CKR_KEY_HANDLE_INVALID:
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
}
