package crypto

import "errors"

var (
	// ErrUserNotFound is returned when a referenced user is neither cached nor known to the key server.
	ErrUserNotFound = errors.New("crypto: user not found")

	// ErrGroupNotFound is returned when a referenced group is neither cached nor known to the key server.
	ErrGroupNotFound = errors.New("crypto: group not found")

	// ErrKeyNotFound is returned when a specific key ID does not exist for its owner.
	ErrKeyNotFound = errors.New("crypto: key not found")

	// ErrNoKeyFound is returned when an owner has no usable key at all.
	ErrNoKeyFound = errors.New("crypto: no key found")

	// ErrNoGroupKeysFound is returned when a group has an empty key history.
	ErrNoGroupKeysFound = errors.New("crypto: no group keys found")

	// ErrParentGroupNotFoundButRequired is returned when a group is accessed through
	// its parent and the parent group cannot be loaded.
	ErrParentGroupNotFoundButRequired = errors.New("crypto: parent group not found but required")

	// ErrParentGroupKeyNotFoundButRequired is returned when the parent group key that
	// wraps a child group key cannot be resolved.
	ErrParentGroupKeyNotFoundButRequired = errors.New("crypto: parent group key not found but required")

	// ErrConnectedGroupNotFoundButRequired is returned when a group is accessed through
	// a connected group and that group cannot be loaded.
	ErrConnectedGroupNotFoundButRequired = errors.New("crypto: connected group not found but required")

	// ErrConnectedGroupKeyNotFoundButRequired is returned when the connected group key
	// that wraps a group key cannot be resolved.
	ErrConnectedGroupKeyNotFoundButRequired = errors.New("crypto: connected group key not found but required")

	// ErrInvalidKeySize is returned when key material has the wrong length.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrInvalidFormat is returned when encrypted data or a server payload has an invalid format.
	ErrInvalidFormat = errors.New("crypto: invalid encrypted data format")

	// ErrDecryptionFailed is returned when decryption fails (wrong key, tampered data).
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrSignatureInvalid is returned when a signature was checked and did not match.
	ErrSignatureInvalid = errors.New("crypto: signature verification failed")

	// ErrNotSigned is returned when verification is requested for data that carries no signature.
	ErrNotSigned = errors.New("crypto: data is not signed")

	// ErrInvalidKeyID is returned when a key, user or group ID is empty or invalid.
	ErrInvalidKeyID = errors.New("crypto: invalid key ID")

	// ErrNotFound is returned by a KeyServer when the requested entity does not exist.
	ErrNotFound = errors.New("crypto: entity not found")

	// ErrStoreDestroyed is returned by a GroupKeyStore after Destroy.
	ErrStoreDestroyed = errors.New("crypto: key store destroyed")

	// ErrInvalidConfig is returned when a Config or Option is invalid.
	ErrInvalidConfig = errors.New("crypto: invalid config")
)

// IsUserNotFound returns true if the error is or wraps ErrUserNotFound.
func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// IsGroupNotFound returns true if the error is or wraps ErrGroupNotFound.
func IsGroupNotFound(err error) bool {
	return errors.Is(err, ErrGroupNotFound)
}

// IsKeyNotFound returns true if the error is or wraps ErrKeyNotFound.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsNoKeyFound returns true if the error is or wraps ErrNoKeyFound or ErrNoGroupKeysFound.
func IsNoKeyFound(err error) bool {
	return errors.Is(err, ErrNoKeyFound) || errors.Is(err, ErrNoGroupKeysFound)
}

// IsInvalidKeySize returns true if the error is or wraps ErrInvalidKeySize.
func IsInvalidKeySize(err error) bool {
	return errors.Is(err, ErrInvalidKeySize)
}

// IsInvalidFormat returns true if the error is or wraps ErrInvalidFormat.
func IsInvalidFormat(err error) bool {
	return errors.Is(err, ErrInvalidFormat)
}

// IsDecryptionFailed returns true if the error is or wraps ErrDecryptionFailed.
func IsDecryptionFailed(err error) bool {
	return errors.Is(err, ErrDecryptionFailed)
}

// IsSignatureInvalid returns true if the error is or wraps ErrSignatureInvalid.
func IsSignatureInvalid(err error) bool {
	return errors.Is(err, ErrSignatureInvalid)
}

// IsNotSigned returns true if the error is or wraps ErrNotSigned.
func IsNotSigned(err error) bool {
	return errors.Is(err, ErrNotSigned)
}

// IsInvalidKeyID returns true if the error is or wraps ErrInvalidKeyID.
func IsInvalidKeyID(err error) bool {
	return errors.Is(err, ErrInvalidKeyID)
}

// IsNotFound returns true if the error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStoreDestroyed returns true if the error is or wraps ErrStoreDestroyed.
func IsStoreDestroyed(err error) bool {
	return errors.Is(err, ErrStoreDestroyed)
}
