package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the per-file random salt stored in the first page.
	SaltSize = 16
	// KeySize selects AES-256.
	KeySize = 32
	// VerifierSize is the length of the password check value.
	VerifierSize = 32

	pbkdf2Iterations = 1000
)

// PageCipher encrypts page-sized blocks with AES-CTR. Each page uses its own
// counter block, derived from the page number and the file salt, so the
// ciphertext keeps the exact length and offset of the plain page.
type PageCipher struct {
	block    cipher.Block
	salt     [SaltSize]byte
	verifier [VerifierSize]byte
}

// NewPageCipher derives the AES key and the password verifier from
// password and salt.
func NewPageCipher(password string, salt []byte) (*PageCipher, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt length %d", len(salt))
	}
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, KeySize+VerifierSize, sha256.New)

	block, err := aes.NewCipher(derived[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	c := &PageCipher{block: block}
	copy(c.salt[:], salt)
	copy(c.verifier[:], derived[KeySize:])
	return c, nil
}

// Verifier is stored next to the salt and compared on open.
func (c *PageCipher) Verifier() []byte { return c.verifier[:] }

// XORPage transforms src into dst for the given page number. Encryption and
// decryption are the same operation.
func (c *PageCipher) XORPage(dst, src []byte, pageNumber uint64) {
	var iv [aes.BlockSize]byte
	copy(iv[:8], c.salt[:8])
	binary.LittleEndian.PutUint64(iv[8:], pageNumber)
	cipher.NewCTR(c.block, iv[:]).XORKeyStream(dst, src)
}
