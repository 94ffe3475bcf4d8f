// Package envelope implements the symmetric envelope that wraps every payload
// exchanged with the gateway, its clients and the downstream agents.
//
// A cipherData string is the standard base64 encoding of
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag]
//
// sealed with XChaCha20-Poly1305. Each key scope derives its own 32-byte key
// from the configured secret with HKDF-SHA256, and the scope name is part of
// the additional authenticated data, so an envelope sealed for one scope never
// opens under another.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Scope 标识一条信任边界所使用的共享密钥。
type Scope string

const (
	// ScopeDefault 是客户端与网关之间的会话密钥。
	ScopeDefault Scope = "default"
	// ScopeDocument 用于网关与文档代理之间的往返。
	ScopeDocument Scope = "document-agent"
	// ScopeGeneration 用于网关与生成代理之间的往返。
	ScopeGeneration Scope = "generation-agent"
)

// Scopes 返回全部已知的密钥作用域。
func Scopes() []Scope {
	return []Scope{ScopeDefault, ScopeDocument, ScopeGeneration}
}

// Version 是写在每个密文开头的格式版本。
const Version byte = 0x01

const keySize = chacha20poly1305.KeySize

const overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfoPrefix = "controlagent.envelope.v1."

var (
	// ErrUnknownScope 表示使用了未配置的密钥作用域。
	ErrUnknownScope = errors.New("envelope: unknown key scope")
	// ErrCipherData 表示密文无法解码或认证失败（错误的密钥、被篡改或错误的作用域）。
	ErrCipherData = errors.New("envelope: cipher data rejected")
	// ErrPayload 表示解密后的明文不是期望的 JSON 结构。
	ErrPayload = errors.New("envelope: malformed plaintext")
)

// Envelope 是唯一会出现在网络上的载荷形态。
type Envelope struct {
	CipherData string `json:"cipherData"`
}

// Codec 按作用域加解密信封。创建后只读，可并发使用。
type Codec struct {
	keys map[Scope][]byte
}

// NewCodec 根据每个作用域的共享密钥构造 Codec，三个作用域都必须配置。
func NewCodec(secrets map[Scope]string) (*Codec, error) {
	keys := make(map[Scope][]byte, len(secrets))
	for _, scope := range Scopes() {
		secret := secrets[scope]
		if strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("envelope: secret for scope %q is not configured", scope)
		}
		key, err := deriveKey([]byte(secret), scope)
		if err != nil {
			return nil, err
		}
		keys[scope] = key
	}
	return &Codec{keys: keys}, nil
}

// NewClientCodec 只配置 default 作用域，供网关的调用方使用。
func NewClientCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("envelope: secret for scope %q is not configured", ScopeDefault)
	}
	key, err := deriveKey([]byte(secret), ScopeDefault)
	if err != nil {
		return nil, err
	}
	return &Codec{keys: map[Scope][]byte{ScopeDefault: key}}, nil
}

// Encrypt 使用指定作用域的密钥加密明文，返回 cipherData 字符串。
func (c *Codec) Encrypt(plaintext []byte, scope Scope) (string, error) {
	aead, err := c.aead(scope)
	if err != nil {
		return "", err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = Version
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], plaintext, additionalData(Version, scope))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt 使用指定作用域的密钥解密 cipherData。任何认证失败都返回 ErrCipherData。
func (c *Codec) Decrypt(cipherData string, scope Scope) ([]byte, error) {
	aead, err := c.aead(scope)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cipherData))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrCipherData)
	}
	if len(raw) < overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte minimum", ErrCipherData, len(raw), overhead)
	}
	if raw[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCipherData, raw[0])
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	sealed := raw[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, additionalData(raw[0], scope))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCipherData)
	}
	return plaintext, nil
}

// Seal 将 v 序列化为 JSON 后加密成信封。
func (c *Codec) Seal(v any, scope Scope) (Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: encode plaintext: %w", err)
	}
	return c.SealRaw(plaintext, scope)
}

// SealRaw 加密一段已经是 JSON 的明文。
func (c *Codec) SealRaw(plaintext []byte, scope Scope) (Envelope, error) {
	cipherData, err := c.Encrypt(plaintext, scope)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{CipherData: cipherData}, nil
}

// Open 解密信封并把 JSON 明文解析到 v。
func (c *Codec) Open(env Envelope, scope Scope, v any) error {
	plaintext, err := c.OpenRaw(env, scope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", ErrPayload, err)
	}
	return nil
}

// OpenRaw 解密信封并校验明文是合法 JSON，但不做结构解析。
func (c *Codec) OpenRaw(env Envelope, scope Scope) ([]byte, error) {
	if strings.TrimSpace(env.CipherData) == "" {
		return nil, fmt.Errorf("%w: empty cipherData", ErrCipherData)
	}
	plaintext, err := c.Decrypt(env.CipherData, scope)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not JSON", ErrPayload)
	}
	return plaintext, nil
}

func (c *Codec) aead(scope Scope) (cipher.AEAD, error) {
	if c == nil {
		return nil, ErrUnknownScope
	}
	key, ok := c.keys[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}
	return aead, nil
}

func deriveKey(secret []byte, scope Scope) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoPrefix+string(scope)))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("envelope: derive key for scope %q: %w", scope, err)
	}
	return key, nil
}

func additionalData(version byte, scope Scope) []byte {
	aad := make([]byte, 1+len(scope))
	aad[0] = version
	copy(aad[1:], scope)
	return aad
}
