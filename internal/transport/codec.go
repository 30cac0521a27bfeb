package transport

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Kind names a message carried on a collaboration topic.
type Kind string

const (
	KindPresenceJoin       Kind = "presence-join"
	KindPresenceLeave      Kind = "presence-leave"
	KindPresenceSync       Kind = "presence-sync"
	KindPresenceUpdate     Kind = "presence-update"
	KindOperationBroadcast Kind = "operation-broadcast"
	KindConflictNotify     Kind = "conflict-notify"
	KindUserUpdate         Kind = "user-update"
	KindHeartbeat          Kind = "heartbeat"
)

const maxDecodedBody = 8 << 20

var (
	// ErrInvalidFrame indicates a frame that cannot be decoded.
	ErrInvalidFrame = errors.New("transport: invalid frame")
	// ErrInvalidKey indicates an encryption key of the wrong size.
	ErrInvalidKey = errors.New("transport: invalid encryption key")
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPresenceJoin, KindPresenceLeave, KindPresenceSync, KindPresenceUpdate,
		KindOperationBroadcast, KindConflictNotify, KindUserUpdate, KindHeartbeat:
		return true
	default:
		return false
	}
}

// Envelope is the routing header plus body of a frame. Body is plain JSON
// after Decode; Data holds the transformed body on the wire when the frame is
// compressed or encrypted.
type Envelope struct {
	Kind       Kind            `json:"kind"`
	Topic      string          `json:"topic"`
	SenderID   string          `json:"senderId"`
	ClientID   string          `json:"clientId"`
	Privileged bool            `json:"privileged,omitempty"`
	SentAt     time.Time       `json:"sentAt"`
	Body       json.RawMessage `json:"body,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Encrypted  bool            `json:"encrypted,omitempty"`
}

// CodecConfig configures body compression and encryption.
type CodecConfig struct {
	EnableCompression    bool
	CompressionThreshold int
	EncryptionKey        []byte
}

// Codec turns envelopes into frames and back.
type Codec struct {
	compress  bool
	threshold int
	key       []byte
}

// NewCodec validates cfg and returns a Codec. A nil or empty key disables
// encryption; otherwise the key must be chacha20poly1305.KeySize bytes.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.EncryptionKey) > 0 && len(cfg.EncryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(cfg.EncryptionKey))
	}
	threshold := cfg.CompressionThreshold
	if threshold < 0 {
		threshold = 0
	}
	return &Codec{
		compress:  cfg.EnableCompression,
		threshold: threshold,
		key:       append([]byte(nil), cfg.EncryptionKey...),
	}, nil
}

// Encrypts reports whether frames are sealed.
func (c *Codec) Encrypts() bool {
	return len(c.key) > 0
}

// Encode serialises env, compressing and sealing its body as configured.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, env.Kind)
	}
	body := []byte(env.Body)
	env.Data = nil
	env.Compressed = false
	env.Encrypted = false

	if c.compress && len(body) > 0 && len(body) >= c.threshold {
		compressed, err := gzipBytes(body)
		if err != nil {
			return nil, err
		}
		body = compressed
		env.Compressed = true
	}
	if len(c.key) > 0 && len(body) > 0 {
		sealed, err := c.seal(env.Kind, body)
		if err != nil {
			return nil, err
		}
		body = sealed
		env.Encrypted = true
	}
	if env.Compressed || env.Encrypted {
		env.Body = nil
		env.Data = body
	}
	return json.Marshal(env)
}

// Decode parses frame and restores the plain JSON body.
func (c *Codec) Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, env.Kind)
	}
	if !env.Compressed && !env.Encrypted {
		return env, nil
	}
	body := env.Data
	if env.Encrypted {
		if len(c.key) == 0 {
			return Envelope{}, fmt.Errorf("%w: encrypted frame without key", ErrInvalidFrame)
		}
		opened, err := c.open(env.Kind, body)
		if err != nil {
			return Envelope{}, err
		}
		body = opened
	}
	if env.Compressed {
		inflated, err := gunzipBytes(body)
		if err != nil {
			return Envelope{}, err
		}
		body = inflated
	}
	env.Body = json.RawMessage(body)
	env.Data = nil
	return env, nil
}

func (c *Codec) seal(kind Kind, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(kind)), nil
}

func (c *Codec) open(kind Kind, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed body too short", ErrInvalidFrame)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return plaintext, nil
}

func gzipBytes(input []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(input); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func gunzipBytes(input []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	defer reader.Close()
	output, err := io.ReadAll(io.LimitReader(reader, maxDecodedBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(output) > maxDecodedBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidFrame, maxDecodedBody)
	}
	return output, nil
}
