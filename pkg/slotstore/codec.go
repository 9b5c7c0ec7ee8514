package slotstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Codec serializes records to single-line JSON.
//
// Marshal must never emit a raw newline and must not end with a space. Both
// built-in codecs satisfy this.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// GoJSON is the default codec, backed by github.com/goccy/go-json.
type GoJSON struct{}

func (GoJSON) Name() string { return "go-json" }

func (GoJSON) Marshal(v any) ([]byte, error) {
	return gojson.Marshal(v)
}

func (GoJSON) Unmarshal(data []byte, v any) error {
	return gojson.Unmarshal(data, v)
}

// StdJSON uses encoding/json.
type StdJSON struct{}

func (StdJSON) Name() string { return "encoding/json" }

func (StdJSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (StdJSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Cipher enciphers record lines.
//
// The store base64-wraps whatever Encrypt returns and unwraps before calling
// Decrypt, so implementations need not produce text-safe output.
// See package github.com/calvinalkan/slotdb/pkg/cipher for the default.
type Cipher interface {
	Encrypt(plaintext, key string) (string, error)
	Decrypt(ciphertext, key string) (string, error)
}

// lineCodec turns records into slot payloads and back.
type lineCodec[T Record] struct {
	codec  Codec
	cipher Cipher

	// writeKey enciphers new lines; empty writes plaintext.
	writeKey string

	// readKey deciphers lines; empty reads plaintext.
	readKey string

	// plainFallback accepts plaintext lines in an enciphered store.
	plainFallback bool
}

// encode returns the payload for rec: JSON, or base64 of the enciphered JSON.
func (lc *lineCodec[T]) encode(rec T) ([]byte, error) {
	data, err := lc.codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %w", ErrParse, err)
	}

	if bytes.ContainsAny(data, "\n\r") {
		return nil, fmt.Errorf("%w: encoded record contains a newline", ErrParse)
	}

	if lc.writeKey == "" {
		return data, nil
	}

	sealed, err := lc.cipher.Encrypt(string(data), lc.writeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt: %w", ErrCipher, err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, []byte(sealed))

	return out, nil
}

// decode parses a payload. stale reports that the line is not in the encoding
// new writes would use and should be rewritten.
func (lc *lineCodec[T]) decode(payload []byte) (rec T, stale bool, err error) {
	if lc.readKey == "" {
		rec, err = lc.unmarshal(payload)

		return rec, false, err
	}

	plain, cipherErr := lc.decipher(payload)
	if cipherErr == nil {
		rec, err = lc.unmarshal(plain)

		return rec, lc.writeKey == "", err
	}

	if !lc.plainFallback {
		return rec, false, cipherErr
	}

	rec, err = lc.unmarshal(payload)
	if err != nil {
		return rec, false, errors.Join(cipherErr, err)
	}

	return rec, lc.writeKey != "", nil
}

func (lc *lineCodec[T]) decipher(payload []byte) ([]byte, error) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))

	n, err := base64.StdEncoding.Decode(sealed, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: not enciphered: %w", ErrCipher, err)
	}

	plain, err := lc.cipher.Decrypt(string(sealed[:n]), lc.readKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", ErrCipher, err)
	}

	return []byte(plain), nil
}

func (lc *lineCodec[T]) unmarshal(data []byte) (T, error) {
	var rec T

	if err := lc.codec.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: %w", ErrParse, err)
	}

	if rec.RecordID() == "" {
		return rec, fmt.Errorf("%w: record has no id", ErrParse)
	}

	return rec, nil
}
