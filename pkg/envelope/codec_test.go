package envelope

import (
	"encoding/base64"
	"errors"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(map[Scope]string{
		ScopeDefault:    "client-secret",
		ScopeDocument:   "document-secret",
		ScopeGeneration: "generation-secret",
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func TestRoundTripEveryScope(t *testing.T) {
	codec := newTestCodec(t)
	plaintext := []byte(`{"user":"alice","chat":[{"role":"user","text":"hola"}]}`)
	for _, scope := range Scopes() {
		cipherData, err := codec.Encrypt(plaintext, scope)
		if err != nil {
			t.Fatalf("encrypt %s: %v", scope, err)
		}
		got, err := codec.Decrypt(cipherData, scope)
		if err != nil {
			t.Fatalf("decrypt %s: %v", scope, err)
		}
		if string(got) != string(plaintext) {
			t.Fatalf("scope %s: round trip mismatch: %s", scope, got)
		}
	}
}

func TestDecryptUnderOtherScopeFails(t *testing.T) {
	codec := newTestCodec(t)
	for _, from := range Scopes() {
		cipherData, err := codec.Encrypt([]byte(`{"k":"v"}`), from)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		for _, to := range Scopes() {
			if to == from {
				continue
			}
			if _, err := codec.Decrypt(cipherData, to); !errors.Is(err, ErrCipherData) {
				t.Fatalf("decrypt %s envelope under %s: expected ErrCipherData, got %v", from, to, err)
			}
		}
	}
}

func TestSharedSecretStillSeparatesScopes(t *testing.T) {
	codec, err := NewCodec(map[Scope]string{
		ScopeDefault:    "same",
		ScopeDocument:   "same",
		ScopeGeneration: "same",
	})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	cipherData, err := codec.Encrypt([]byte(`{}`), ScopeDocument)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := codec.Decrypt(cipherData, ScopeGeneration); !errors.Is(err, ErrCipherData) {
		t.Fatalf("expected scope separation with a shared secret, got %v", err)
	}
}

func TestDecryptRejectsTamperedData(t *testing.T) {
	codec := newTestCodec(t)
	cipherData, err := codec.Encrypt([]byte(`{"a":1}`), ScopeDefault)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(cipherData)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	cases := map[string]string{
		"tampered":   tampered,
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString([]byte{Version, 1, 2}),
		"empty":      "",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := codec.Decrypt(input, ScopeDefault); !errors.Is(err, ErrCipherData) {
				t.Fatalf("expected ErrCipherData, got %v", err)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	codec := newTestCodec(t)
	type payload struct {
		DatabaseID string `json:"database_id"`
	}
	env, err := codec.Seal(payload{DatabaseID: "doc-123"}, ScopeDocument)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	var got payload
	if err := codec.Open(env, ScopeDocument, &got); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.DatabaseID != "doc-123" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestOpenRejectsNonJSONPlaintext(t *testing.T) {
	codec := newTestCodec(t)
	cipherData, err := codec.Encrypt([]byte("not json"), ScopeDefault)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var v map[string]any
	if err := codec.Open(Envelope{CipherData: cipherData}, ScopeDefault, &v); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload, got %v", err)
	}
}

func TestOpenRejectsWrongShape(t *testing.T) {
	codec := newTestCodec(t)
	env, err := codec.SealRaw([]byte(`["a","b"]`), ScopeDefault)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	var v struct {
		User string `json:"user"`
	}
	if err := codec.Open(env, ScopeDefault, &v); !errors.Is(err, ErrPayload) {
		t.Fatalf("expected ErrPayload, got %v", err)
	}
}

func TestNewCodecRequiresEveryScope(t *testing.T) {
	_, err := NewCodec(map[Scope]string{
		ScopeDefault:  "a",
		ScopeDocument: "b",
	})
	if err == nil {
		t.Fatalf("expected error when generation secret is missing")
	}
}

func TestUnknownScope(t *testing.T) {
	codec := newTestCodec(t)
	if _, err := codec.Encrypt([]byte(`{}`), Scope("client-session")); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("expected ErrUnknownScope, got %v", err)
	}
}

func TestClientCodecInteroperatesOnDefaultScope(t *testing.T) {
	server := newTestCodec(t)
	client, err := NewClientCodec("client-secret")
	if err != nil {
		t.Fatalf("client codec: %v", err)
	}
	env, err := client.Seal(map[string]string{"user": "alice"}, ScopeDefault)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	var got map[string]string
	if err := server.Open(env, ScopeDefault, &got); err != nil || got["user"] != "alice" {
		t.Fatalf("server open: %v %v", got, err)
	}
	if _, err := client.Seal(map[string]string{}, ScopeDocument); !errors.Is(err, ErrUnknownScope) {
		t.Fatalf("client codec must not know agent scopes, got %v", err)
	}
	if _, err := NewClientCodec(" "); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}
