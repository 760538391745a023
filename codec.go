package crypto

import (
	"context"
	"fmt"

	"github.com/rbaliyan/config/codec"
)

// Codec wraps an inner codec with group encryption.
// On Encode, the inner codec serializes the value, then the result is encrypted
// with the group's newest key. On Decode, the data is decrypted with the key
// version named in its head, then the inner codec deserializes the plaintext.
//
// Codec is safe for concurrent use if the inner codec is.
type Codec struct {
	inner  codec.Codec
	group  *Group
	name   string
	sign   bool
	verify bool
}

// Compile-time interface check.
var _ codec.Codec = (*Codec)(nil)

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithSigning signs encoded values with the acting user's newest sign key
// and verifies signatures on decode.
func WithSigning() CodecOption {
	return func(c *Codec) {
		c.sign = true
		c.verify = true
	}
}

// WithCodecName overrides the codec name used in the codec registry.
func WithCodecName(name string) CodecOption {
	return func(c *Codec) {
		c.name = name
	}
}

// NewCodec creates an encrypting codec that wraps the given inner codec.
// The codec name is "encrypted:<inner>", e.g. "encrypted:json".
// Returns an error if inner or group is nil.
func NewCodec(inner codec.Codec, group *Group, opts ...CodecOption) (*Codec, error) {
	if inner == nil {
		return nil, fmt.Errorf("crypto: NewCodec inner codec is nil")
	}
	if group == nil {
		return nil, fmt.Errorf("crypto: NewCodec group is nil")
	}
	c := &Codec{
		inner: inner,
		group: group,
		name:  "encrypted:" + inner.Name(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the codec name, e.g. "encrypted:json".
func (c *Codec) Name() string {
	return c.name
}

// Encode serializes the value using the inner codec, then encrypts the result.
func (c *Codec) Encode(v any) ([]byte, error) {
	plaintext, err := c.inner.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: inner encode failed: %w", err)
	}

	data, err := c.group.Encrypt(context.Background(), plaintext, c.sign)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt failed: %w", err)
	}
	return data, nil
}

// Decode decrypts the data, then deserializes the plaintext using the inner codec.
func (c *Codec) Decode(data []byte, v any) error {
	plaintext, err := c.group.Decrypt(context.Background(), data, c.verify, "")
	if err != nil {
		return fmt.Errorf("crypto: decrypt failed: %w", err)
	}

	if err := c.inner.Decode(plaintext, v); err != nil {
		return fmt.Errorf("crypto: inner decode failed: %w", err)
	}
	return nil
}
