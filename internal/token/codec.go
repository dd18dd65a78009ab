package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
)

// Codec turns a Credential into its persisted bytes and back.
type Codec interface {
	Encode(c *Credential) ([]byte, error)
	Decode(data []byte) (*Credential, error)
}

// Obfuscator is the default codec. It hides the credential from a casual
// look at the state directory and nothing more: anyone who can read the
// file can reverse it. Configure a JWECodec when confidentiality matters.
type Obfuscator struct{}

type obfuscated struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Encode base64-encodes the JSON form, splits it at the midpoint and
// reverses the second half.
func (Obfuscator) Encode(c *Credential) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	mid := len(encoded) / 2
	return json.Marshal(obfuscated{A: encoded[:mid], B: reverse(encoded[mid:])})
}

// Decode reverses Encode.
func (Obfuscator) Decode(data []byte) (*Credential, error) {
	var o obfuscated
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(o.A + reverse(o.B))
	if err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	return &c, nil
}

// reverse works on bytes; base64 output is ASCII.
func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// JWEKeySize is the key length for A256GCM direct encryption.
const JWEKeySize = 32

// JWECodec stores the credential as a compact JWE (dir + A256GCM), giving
// authenticated encryption at rest.
type JWECodec struct {
	key []byte
}

// NewJWECodec returns a codec for a 32-byte key.
func NewJWECodec(key []byte) (*JWECodec, error) {
	if len(key) != JWEKeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", JWEKeySize, len(key))
	}
	return &JWECodec{key: append([]byte(nil), key...)}, nil
}

// ParseKey decodes a base64 (standard or URL-safe) key.
func ParseKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("encryption key is not valid base64")
}

func (j *JWECodec) Encode(c *Credential) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return jwe.Encrypt(raw, jwe.WithKey(jwa.DIRECT, j.key), jwe.WithContentEncryption(jwa.A256GCM))
}

func (j *JWECodec) Decode(data []byte) (*Credential, error) {
	raw, err := jwe.Decrypt(data, jwe.WithKey(jwa.DIRECT, j.key))
	if err != nil {
		return nil, fmt.Errorf("decrypt credential record: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	return &c, nil
}
