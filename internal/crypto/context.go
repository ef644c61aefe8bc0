package crypto

import (
	"github.com/spagate/spagate/pkg/spa"
)

// Context holds the result of one decryption attempt against one stanza.
// A single packet may be tried against many stanzas, so the pipeline owns
// exactly one Context at a time and must Close it between attempts; Close
// zeroes the plaintext before release.
type Context struct {
	encType   spa.EncryptionType
	plaintext []byte

	// asymmetric signer identity, populated after a signed GPG decrypt
	signerID  string
	signerFpr string

	gpg *gpgContext
}

// NewSymmetricContext authenticates and decrypts a symmetric ciphertext in
// one step, the HMAC first. On success the returned context exposes the
// plaintext; on any failure it returns spa.ErrDecryptFailed and no context.
func NewSymmetricContext(data []byte, cfg SymmetricConfig) (*Context, error) {
	plain, err := OpenSymmetric(data, cfg)
	if err != nil {
		return nil, err
	}
	return &Context{encType: spa.RijndaelSymmetric, plaintext: plain}, nil
}

// Plaintext returns the decrypted SPA message bytes. The slice is owned by
// the context and is invalid after Close.
func (c *Context) Plaintext() []byte {
	return c.plaintext
}

// EncryptionType reports which scheme produced the plaintext.
func (c *Context) EncryptionType() spa.EncryptionType {
	return c.encType
}

// SignerID returns the asymmetric signer's key ID, empty for symmetric
// contexts or unsigned messages.
func (c *Context) SignerID() string {
	return c.signerID
}

// SignerFingerprint returns the asymmetric signer's full key fingerprint,
// empty for symmetric contexts or unsigned messages.
func (c *Context) SignerFingerprint() string {
	return c.signerFpr
}

// Close zeroes the plaintext and releases the context. Safe on nil and safe
// to call more than once.
func (c *Context) Close() {
	if c == nil {
		return
	}
	zero(c.plaintext)
	c.plaintext = nil
	c.signerID = ""
	c.signerFpr = ""
	c.gpg = nil
}
