package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// DecryptRaw decrypts a body produced by EncryptRaw. When verifyKey is not nil
// the signature is checked before the ciphertext is opened.
func (p *AEADPrimitives) DecryptRaw(key *SymmetricKey, head Head, data, aad []byte, verifyKey *VerifyKey) ([]byte, error) {
	encodedHead, err := marshalHead(head)
	if err != nil {
		return nil, err
	}
	return decrypt(key, head, encodedHead, data, aad, verifyKey)
}

// Decrypt decrypts combined bytes produced by Encrypt.
func (p *AEADPrimitives) Decrypt(key *SymmetricKey, data, aad []byte, verifyKey *VerifyKey) ([]byte, error) {
	head, body, err := readHead(data)
	if err != nil {
		return nil, err
	}
	encodedHead := data[:len(data)-len(body)]
	return decrypt(key, head, encodedHead, body, aad, verifyKey)
}

// DecryptString decrypts a string produced by EncryptString.
func (p *AEADPrimitives) DecryptString(key *SymmetricKey, data string, aad []byte, verifyKey *VerifyKey) (string, error) {
	raw, err := decodeString(data)
	if err != nil {
		return "", err
	}
	plaintext, err := p.Decrypt(key, raw, aad, verifyKey)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrInvalidFormat)
	}
	return string(plaintext), nil
}

// SplitHead parses the head of combined bytes.
func (p *AEADPrimitives) SplitHead(data []byte) (Head, []byte, error) {
	return readHead(data)
}

// SplitHeadString parses the head of an encoded string.
func (p *AEADPrimitives) SplitHeadString(data string) (Head, error) {
	raw, err := decodeString(data)
	if err != nil {
		return Head{}, err
	}
	head, _, err := readHead(raw)
	return head, err
}

func decodeString(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return raw, nil
}

// decrypt checks the optional signature and opens the ciphertext.
func decrypt(key *SymmetricKey, head Head, encodedHead, body, aad []byte, verifyKey *VerifyKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no key given", ErrKeyNotFound)
	}
	if key.ID != head.KeyID {
		return nil, fmt.Errorf("%w: head names key %q, got %q", ErrKeyNotFound, head.KeyID, key.ID)
	}
	material, err := key.bytes()
	if err != nil {
		return nil, err
	}

	if head.Signed() {
		if len(body) < gcmNonceSize+gcmTagSize+signatureSize {
			return nil, fmt.Errorf("%w: signed ciphertext too short", ErrInvalidFormat)
		}
		sig := body[len(body)-signatureSize:]
		body = body[:len(body)-signatureSize]
		if verifyKey != nil {
			if verifyKey.ID != head.SignKeyID {
				return nil, fmt.Errorf("%w: verify key %q does not match sign key %q", ErrKeyNotFound, verifyKey.ID, head.SignKeyID)
			}
			if err := verifyKey.Verify(sig, signedData(encodedHead, body)); err != nil {
				return nil, err
			}
		}
	} else if verifyKey != nil {
		return nil, ErrNotSigned
	}

	if len(body) < gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidFormat)
	}

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonce := body[:gcmNonceSize]
	plaintext, err := gcm.Open(nil, nonce, body[gcmNonceSize:], additionalData(encodedHead, aad))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt data", ErrDecryptionFailed)
	}
	return plaintext, nil
}
