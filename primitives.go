package crypto

// SigningMode selects whether an encryption attaches a signature.
// It is resolved once before the transform is dispatched.
type SigningMode struct {
	key *SignKey
}

// NoSigning returns a SigningMode that attaches no signature.
func NoSigning() SigningMode {
	return SigningMode{}
}

// SignWith returns a SigningMode that signs with key.
func SignWith(key *SignKey) SigningMode {
	return SigningMode{key: key}
}

// Key returns the signing key, or nil when no signature is attached.
func (m SigningMode) Key() *SignKey {
	return m.key
}

// Primitives performs the byte-level transforms for a Group.
// A nil aad means no additional authenticated data; a nil verify key skips
// signature verification. Implementations must be safe for concurrent use.
type Primitives interface {
	// EncryptRaw encrypts data and returns the envelope head separately from the body.
	EncryptRaw(key *SymmetricKey, data, aad []byte, mode SigningMode) (Head, []byte, error)

	// DecryptRaw decrypts a body produced by EncryptRaw.
	DecryptRaw(key *SymmetricKey, head Head, data, aad []byte, verifyKey *VerifyKey) ([]byte, error)

	// Encrypt encrypts data into a self-describing byte slice with the head embedded.
	Encrypt(key *SymmetricKey, data, aad []byte, mode SigningMode) ([]byte, error)

	// Decrypt decrypts a byte slice produced by Encrypt.
	Decrypt(key *SymmetricKey, data, aad []byte, verifyKey *VerifyKey) ([]byte, error)

	// EncryptString encrypts a UTF-8 string into a self-describing encoded string.
	EncryptString(key *SymmetricKey, data string, aad []byte, mode SigningMode) (string, error)

	// DecryptString decrypts a string produced by EncryptString.
	DecryptString(key *SymmetricKey, data string, aad []byte, verifyKey *VerifyKey) (string, error)

	// SplitHead parses the head of a byte slice produced by Encrypt.
	SplitHead(data []byte) (Head, []byte, error)

	// SplitHeadString parses the head of a string produced by EncryptString.
	SplitHeadString(data string) (Head, error)

	// DoneFetchSymKey unwraps a symmetric key delivered by the server, using master
	// to unwrap it. nonRegistered marks the result as delivered out-of-band.
	DoneFetchSymKey(master *SymmetricKey, serverOutput string, nonRegistered bool) (*SymmetricKey, error)
}
