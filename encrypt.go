package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// AEADPrimitives implements Primitives with AES-256-GCM and ed25519 signatures.
// The encoded head is bound to the ciphertext as additional data, and signatures
// cover the encoded head, the nonce and the ciphertext.
//
// AEADPrimitives is stateless and safe for concurrent use.
type AEADPrimitives struct{}

// Compile-time interface check.
var _ Primitives = (*AEADPrimitives)(nil)

// NewAEADPrimitives returns the default Primitives implementation.
func NewAEADPrimitives() *AEADPrimitives {
	return &AEADPrimitives{}
}

// EncryptRaw encrypts data under key and returns the head and body separately.
func (p *AEADPrimitives) EncryptRaw(key *SymmetricKey, data, aad []byte, mode SigningMode) (Head, []byte, error) {
	head, _, body, err := encrypt(key, data, aad, mode)
	if err != nil {
		return Head{}, nil, err
	}
	return head, body, nil
}

// Encrypt encrypts data under key and prepends the encoded head.
func (p *AEADPrimitives) Encrypt(key *SymmetricKey, data, aad []byte, mode SigningMode) ([]byte, error) {
	_, encodedHead, body, err := encrypt(key, data, aad, mode)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(encodedHead)+len(body))
	out = append(out, encodedHead...)
	return append(out, body...), nil
}

// EncryptString encrypts data and returns the base64 encoding of the combined bytes.
func (p *AEADPrimitives) EncryptString(key *SymmetricKey, data string, aad []byte, mode SigningMode) (string, error) {
	out, err := p.Encrypt(key, []byte(data), aad, mode)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// encrypt produces the head, its encoding and the body for one payload.
func encrypt(key *SymmetricKey, plaintext, aad []byte, mode SigningMode) (Head, []byte, []byte, error) {
	if key == nil {
		return Head{}, nil, nil, fmt.Errorf("%w: no key given", ErrKeyNotFound)
	}
	material, err := key.bytes()
	if err != nil {
		return Head{}, nil, nil, err
	}

	head := Head{KeyID: key.ID, Algorithm: algAES256GCM}
	signKey := mode.Key()
	if signKey != nil {
		head.SignerUserID = signKey.UserID
		head.SignKeyID = signKey.ID
	}
	encodedHead, err := marshalHead(head)
	if err != nil {
		return Head{}, nil, nil, err
	}

	block, err := aes.NewCipher(material)
	if err != nil {
		return Head{}, nil, nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Head{}, nil, nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Head{}, nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	body := make([]byte, 0, gcmNonceSize+len(plaintext)+gcmTagSize+signatureSize)
	body = append(body, nonce...)
	body = gcm.Seal(body, nonce, plaintext, additionalData(encodedHead, aad))

	if signKey != nil {
		sig, err := signKey.Sign(signedData(encodedHead, body))
		if err != nil {
			return Head{}, nil, nil, fmt.Errorf("crypto: failed to sign: %w", err)
		}
		body = append(body, sig...)
	}

	return head, encodedHead, body, nil
}

// additionalData binds the encoded head and the caller's AAD to the ciphertext.
func additionalData(encodedHead, aad []byte) []byte {
	ad := make([]byte, 0, len(encodedHead)+len(aad))
	ad = append(ad, encodedHead...)
	return append(ad, aad...)
}

// signedData is the message covered by a signature: head || nonce || ciphertext.
func signedData(encodedHead, body []byte) []byte {
	msg := make([]byte, 0, len(encodedHead)+len(body))
	msg = append(msg, encodedHead...)
	return append(msg, body...)
}
