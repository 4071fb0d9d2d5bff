// Package crypto implements the envelope every blob passes through on
// its way into a pack: optional compression followed by authenticated
// encryption. Whether a blob was compressed is never recorded inside
// the ciphertext; the caller carries the uncompressed length out-of-band
// (in the pack header entry) and passes it back in on the read path.
package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/packvault/packvault/compression"
)

// KeySize is the byte length of a repository key.
const KeySize = chacha20poly1305.KeySize

// Overhead is the fixed per-message ciphertext expansion: the random
// nonce prepended to the box plus the Poly1305 tag appended to it.
// Pack size arithmetic (padding, header projection) depends on this
// being constant.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	// ErrVerification signals that data failed a correctness check:
	// a self-verify round trip produced different bytes, or a
	// decompressed blob did not match its recorded length. It always
	// means corruption (or a defect), never a condition to skip.
	ErrVerification = errors.New("crypto: verification failed")

	// ErrDecrypt signals ciphertext that failed authentication.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// Key is a 32-byte symmetric repository key.
type Key [KeySize]byte

// NewKey generates a random key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// ParseKey parses a 64-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parsing key: %w", err)
	}
	if len(decoded) != KeySize {
		return k, fmt.Errorf("key is %d bytes, want %d", len(decoded), KeySize)
	}
	copy(k[:], decoded)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Envelope wraps plaintext with optional compression and XChaCha20-
// Poly1305 encryption. Safe for concurrent use.
type Envelope struct {
	aead       cipher.AEAD
	codec      compression.Codex
	level      compression.Level
	selfVerify bool
}

// Option configures an Envelope.
type Option interface {
	apply(*Envelope)
}

type funcOpt func(*Envelope)

func (f funcOpt) apply(e *Envelope) {
	f(e)
}

// WithCompression enables opportunistic compression with the given
// codec and level. Blobs that do not shrink are stored uncompressed.
func WithCompression(codec compression.Codex, level compression.Level) Option {
	return funcOpt(func(e *Envelope) {
		e.codec = codec
		e.level = level
	})
}

// WithSelfVerify makes Process immediately reverse its own output and
// byte-compare against the input. A mismatch fails the write with
// ErrVerification.
func WithSelfVerify() Option {
	return funcOpt(func(e *Envelope) {
		e.selfVerify = true
	})
}

// NewEnvelope creates an envelope for the given key. Without options it
// encrypts only (no compression, no self-verify).
func NewEnvelope(key Key, opts ...Option) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	e := &Envelope{aead: aead, codec: compression.CodexNone}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e, nil
}

// Seal encrypts plain without compressing it. The random nonce is
// prepended, so len(result) == len(plain) + Overhead.
func (e *Envelope) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, Overhead+len(plain))
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts ciphertext produced by Seal.
func (e *Envelope) Open(cipher []byte) ([]byte, error) {
	if len(cipher) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext is %d bytes, need at least %d", ErrDecrypt, len(cipher), Overhead)
	}
	nonce, box := cipher[:chacha20poly1305.NonceSizeX], cipher[chacha20poly1305.NonceSizeX:]
	plain, err := e.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// Process runs plain through the full write-side envelope: compress if
// configured and profitable, then encrypt. The returned uncompressedLen
// is zero when no compression was applied, else the original plaintext
// length; the caller must record it alongside the ciphertext.
func (e *Envelope) Process(plain []byte) (cipher []byte, uncompressedLen uint32, err error) {
	data := plain
	if e.codec != compression.CodexNone && len(plain) > 0 {
		if len(plain) > math.MaxUint32 {
			return nil, 0, fmt.Errorf("blob of %d bytes exceeds the compressible maximum", len(plain))
		}
		buf := make([]byte, compression.Bound(e.codec, len(plain)))
		comp, cerr := compression.Compress(e.codec, e.level, buf, plain)
		if cerr != nil && !compression.IsBufferTooSmall(cerr) {
			return nil, 0, fmt.Errorf("compressing blob: %w", cerr)
		}
		if cerr == nil && len(comp) < len(plain) {
			data = comp
			uncompressedLen = uint32(len(plain))
		}
	}

	cipher, err = e.Seal(data)
	if err != nil {
		return nil, 0, err
	}

	if e.selfVerify {
		back, verr := e.Recover(cipher, uncompressedLen)
		if verr != nil {
			return nil, 0, fmt.Errorf("%w: round trip: %v", ErrVerification, verr)
		}
		if !bytes.Equal(back, plain) {
			return nil, 0, fmt.Errorf("%w: round trip produced different bytes", ErrVerification)
		}
	}

	return cipher, uncompressedLen, nil
}

// Recover reverses Process: decrypt, and when uncompressedLen is
// non-zero, decompress and require exactly that many bytes. A length
// mismatch is reported as ErrVerification, never silently truncated or
// padded.
func (e *Envelope) Recover(cipher []byte, uncompressedLen uint32) ([]byte, error) {
	plain, err := e.Open(cipher)
	if err != nil {
		return nil, err
	}
	if uncompressedLen == 0 {
		return plain, nil
	}
	out := make([]byte, uncompressedLen)
	if err := compression.Decompress(e.codec, out, plain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return out, nil
}
