// Package security holds vote authentication and the manipulation detectors.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"

	"hat_reputation/pkg/data"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	voteDomain = "hat-vote-v1"
)

// Signer signs votes with a validator's ed25519 identity.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	account data.Account
}

// NewSigner wraps an existing private key.
func NewSigner(private ed25519.PrivateKey) (*Signer, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key: want %d bytes, got %d", ed25519.PrivateKeySize, len(private))
	}
	pub := private.Public().(ed25519.PublicKey)
	return &Signer{
		private: private,
		public:  pub,
		account: data.AccountFromPublicKey(pub),
	}, nil
}

// GenerateSigner creates a signer with a fresh key pair
func GenerateSigner() (*Signer, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return NewSigner(private)
}

func (s *Signer) Account() data.Account {
	return s.account
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.private
}

// SignVote stamps the vote with the signer's account and signature.
func (s *Signer) SignVote(vote *data.ValidatorVote) {
	vote.Validator = s.account
	digest := VoteDigest(vote)
	vote.Signature = ed25519.Sign(s.private, digest[:])
}

// VoteDigest is blake2b-256 over the vote's canonical fields. Transport
// metadata (ReceivedAt, Latency) and the signature itself are excluded.
func VoteDigest(v *data.ValidatorVote) [32]byte {
	h, _ := blake2b.New256(nil)
	writeString(h, voteDomain)
	h.Write(v.Validator[:])
	writeString(h, v.ClaimID)
	writeString(h, string(v.Judgment))
	if v.HasWoTView {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	for _, n := range []int{v.Score, v.Components.Behavior, v.Components.WoT, v.Components.Economic, v.Components.Temporal} {
		writeInt(h, int64(n))
	}
	writeString(h, v.SnapshotID)
	writeString(h, v.Nonce)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeString(w io.Writer, s string) {
	writeInt(w, int64(len(s)))
	io.WriteString(w, s)
}

func writeInt(w io.Writer, n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	w.Write(buf[:])
}

// VerifyVote checks that pub belongs to the vote's validator and signed it.
func VerifyVote(v *data.ValidatorVote, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s: %w", v.Validator.Short(), data.ErrInvalidSignature)
	}
	if data.AccountFromPublicKey(pub) != v.Validator {
		return fmt.Errorf("key does not match %s: %w", v.Validator.Short(), data.ErrInvalidSignature)
	}
	digest := VoteDigest(v)
	if !ed25519.Verify(pub, digest[:], v.Signature) {
		return fmt.Errorf("vote from %s: %w", v.Validator.Short(), data.ErrInvalidSignature)
	}
	return nil
}

// NewNonce returns a random hex nonce for a vote.
func NewNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return fmt.Sprintf("%x", buf[:]), nil
}

// SealKey encrypts key material under a passphrase. The output is
// salt || nonce || ciphertext.
func SealKey(passphrase, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	gcm, err := newCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// OpenKey reverses SealKey.
func OpenKey(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) < saltLength {
		return nil, fmt.Errorf("sealed key too short")
	}
	salt := sealed[:saltLength]
	gcm, err := newCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	rest := sealed[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed key too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return plaintext, nil
}

// DeriveKey derives an encryption key from a passphrase
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdfIterations, keyLength, sha256.New)
}

func newCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
