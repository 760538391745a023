package crypto

import (
	"bytes"
	"fmt"
	"io"
)

// Binary format constants.
const (
	// magic is the 2-byte envelope signature "GK" (Group Key).
	magic = "GK"

	// formatVersion is the current envelope head version.
	formatVersion = 0x01

	// algAES256GCM identifies AES-256-GCM as the encryption algorithm.
	algAES256GCM = 0x01

	// aesKeySize is the required symmetric key size in bytes (AES-256).
	aesKeySize = 32

	// gcmNonceSize is the nonce size for AES-GCM (12 bytes).
	gcmNonceSize = 12

	// gcmTagSize is the authentication tag size for GCM (16 bytes).
	gcmTagSize = 16

	// signatureSize is the size of an ed25519 signature.
	signatureSize = 64

	// flagSigned marks a head that carries signer metadata.
	flagSigned = 0x01

	// minHeadSize is the minimum head size: magic(2) + version(1) + alg(1) + keyIDLen(1) + flags(1).
	minHeadSize = 6

	// maxIDLen is the longest ID a head can carry.
	maxIDLen = 255
)

// Head is the metadata bundled with every ciphertext. It names the group key
// version that encrypted the payload and, for signed payloads, the signer.
type Head struct {
	// KeyID is the group key version used to encrypt. Never empty.
	KeyID string

	// SignerUserID is the user whose key signed the payload. Empty when unsigned.
	SignerUserID string

	// SignKeyID is the signer's key version. Empty when unsigned.
	SignKeyID string

	// Algorithm identifies the symmetric algorithm.
	Algorithm byte
}

// Signed reports whether the head carries signer metadata.
func (h Head) Signed() bool {
	return h.SignKeyID != ""
}

// headSize returns the encoded head size in bytes.
func headSize(h Head) int {
	n := minHeadSize + len(h.KeyID)
	if h.Signed() {
		n += 2 + len(h.SignerUserID) + len(h.SignKeyID)
	}
	return n
}

// marshalHead returns the binary encoding of h.
func marshalHead(h Head) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headSize(h))
	if err := writeHead(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeHead writes the binary head to w.
func writeHead(w io.Writer, h Head) error {
	if h.KeyID == "" {
		return fmt.Errorf("%w: key ID must not be empty", ErrInvalidFormat)
	}

	// Magic bytes
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}

	// Version + Algorithm
	if _, err := w.Write([]byte{formatVersion, h.algorithm()}); err != nil {
		return err
	}

	if err := writeID(w, h.KeyID); err != nil {
		return err
	}

	var flags byte
	if h.Signed() {
		flags |= flagSigned
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}
	if !h.Signed() {
		return nil
	}

	if err := writeID(w, h.SignerUserID); err != nil {
		return err
	}
	return writeID(w, h.SignKeyID)
}

func (h Head) algorithm() byte {
	if h.Algorithm == 0 {
		return algAES256GCM
	}
	return h.Algorithm
}

func writeID(w io.Writer, id string) error {
	if len(id) > maxIDLen {
		return fmt.Errorf("%w: ID too long", ErrInvalidFormat)
	}
	if _, err := w.Write([]byte{byte(len(id))}); err != nil {
		return err
	}
	_, err := w.Write([]byte(id))
	return err
}

// readHead parses the binary head from data, returning the head and the remaining body.
// The body aliases data; the head fields are independent copies.
func readHead(data []byte) (Head, []byte, error) {
	if len(data) < minHeadSize {
		return Head{}, nil, fmt.Errorf("%w: data too short", ErrInvalidFormat)
	}

	// Check magic bytes
	if string(data[0:2]) != magic {
		return Head{}, nil, fmt.Errorf("%w: invalid magic bytes", ErrInvalidFormat)
	}

	// Validate version
	if data[2] != formatVersion {
		return Head{}, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, data[2])
	}

	// Validate algorithm
	h := Head{Algorithm: data[3]}
	if h.Algorithm != algAES256GCM {
		return Head{}, nil, fmt.Errorf("%w: unsupported algorithm %d", ErrInvalidFormat, h.Algorithm)
	}

	offset := 4
	var err error
	if h.KeyID, offset, err = readID(data, offset); err != nil {
		return Head{}, nil, err
	}
	if h.KeyID == "" {
		return Head{}, nil, fmt.Errorf("%w: empty key ID", ErrInvalidFormat)
	}

	if offset >= len(data) {
		return Head{}, nil, fmt.Errorf("%w: data too short for head", ErrInvalidFormat)
	}
	flags := data[offset]
	offset++
	if flags&^flagSigned != 0 {
		return Head{}, nil, fmt.Errorf("%w: unknown flags %#x", ErrInvalidFormat, flags)
	}

	if flags&flagSigned != 0 {
		if h.SignerUserID, offset, err = readID(data, offset); err != nil {
			return Head{}, nil, err
		}
		if h.SignKeyID, offset, err = readID(data, offset); err != nil {
			return Head{}, nil, err
		}
		if h.SignKeyID == "" {
			return Head{}, nil, fmt.Errorf("%w: signed head without sign key ID", ErrInvalidFormat)
		}
	}

	return h, data[offset:], nil
}

func readID(data []byte, offset int) (string, int, error) {
	if offset >= len(data) {
		return "", offset, fmt.Errorf("%w: data too short for head", ErrInvalidFormat)
	}
	n := int(data[offset])
	offset++
	if len(data) < offset+n {
		return "", offset, fmt.Errorf("%w: data too short for head", ErrInvalidFormat)
	}
	return string(data[offset : offset+n]), offset + n, nil
}
