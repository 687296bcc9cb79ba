// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
)

// Sealer protects private key material at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// PlainSealer stores key material unencrypted.
type PlainSealer struct{}

// Seal implements Sealer.
func (PlainSealer) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Open implements Sealer.
func (PlainSealer) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// Argon2 parameters for deriving the sealing key from a passphrase.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// AESSealer encrypts with AES-256-GCM. The nonce is prepended to the
// ciphertext.
type AESSealer struct {
	aead cipher.AEAD
}

// MinSaltLength is the shortest salt NewAESSealer accepts.
const MinSaltLength = 16

// NewAESSealer derives a 256-bit key from passphrase and salt with Argon2id.
// The salt is deployment specific and must be at least MinSaltLength bytes.
func NewAESSealer(passphrase, salt string) (*AESSealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if len(salt) < MinSaltLength {
		return nil, fmt.Errorf("salt must be at least %d bytes", MinSaltLength)
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESSealer{aead: gcm}, nil
}

// Seal implements Sealer.
func (s *AESSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open implements Sealer.
func (s *AESSealer) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key material: %w", err)
	}
	return plaintext, nil
}

// Codec converts key material to and from the text stored by repositories.
type Codec struct {
	Sealer Sealer
}

// Encode serializes k as a sealed, base64 encoded private JWK.
func (c Codec) Encode(k *KeyMaterial) (string, error) {
	data, err := k.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode key %s: %w", k.KeyID(), err)
	}
	sealed, err := c.sealer().Seal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode.
func (c Codec) Decode(s string) (*KeyMaterial, error) {
	sealed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key material: %w", err)
	}
	data, err := c.sealer().Open(sealed)
	if err != nil {
		return nil, err
	}
	return ParseKeyMaterial(data)
}

// EncodeGeneration encodes current, previous and next in that order.
func (c Codec) EncodeGeneration(g *KeyGeneration) (current, previous, next string, err error) {
	if current, err = c.Encode(g.Current); err != nil {
		return
	}
	if previous, err = c.Encode(g.Previous); err != nil {
		return
	}
	next, err = c.Encode(g.Next)
	return
}

// DecodeGeneration reverses EncodeGeneration.
func (c Codec) DecodeGeneration(current, previous, next string, expiry time.Time) (*KeyGeneration, error) {
	g := &KeyGeneration{Expiry: normalize(expiry)}
	var err error
	if g.Current, err = c.Decode(current); err != nil {
		return nil, err
	}
	if g.Previous, err = c.Decode(previous); err != nil {
		return nil, err
	}
	if g.Next, err = c.Decode(next); err != nil {
		return nil, err
	}
	return g, nil
}

func (c Codec) sealer() Sealer {
	if c.Sealer == nil {
		return PlainSealer{}
	}
	return c.Sealer
}
