package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
	_ "golang.org/x/crypto/ripemd160"

	"github.com/spagate/spagate/pkg/spa"
)

// GPGConfig binds an asymmetric crypto attempt to one access stanza.
type GPGConfig struct {
	// HomeDir is the keyring directory holding secring.gpg and pubring.gpg.
	HomeDir string

	// Recipient optionally restricts which secret key is used for
	// decryption, by key ID or user ID substring. Empty tries all keys.
	Recipient string

	// RequireSignature demands a verified signature on the message.
	RequireSignature bool

	// IgnoreVerifyError accepts messages whose signature failed to verify.
	// Only consulted when RequireSignature is set.
	IgnoreVerifyError bool
}

// gpgContext is the deferred-decrypt state behind an asymmetric Context.
type gpgContext struct {
	raw []byte
	cfg GPGConfig
}

// NewGPGContext prepares an asymmetric decryption without performing it, so
// the stanza's GPG parameters can be applied first. data is the wire
// ciphertext with any identifier prefix already stripped.
func NewGPGContext(data []byte, cfg GPGConfig) (*Context, error) {
	raw, err := spa.RawB64Encoding.DecodeString(spa.B64GPGPrefix + string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: base64", spa.ErrCtx)
	}
	return &Context{
		encType: spa.AsymmetricSigned,
		gpg:     &gpgContext{raw: raw, cfg: cfg},
	}, nil
}

// DecryptGPG performs the deferred asymmetric decryption with the stanza's
// passphrase. An empty passphrase is only accepted when allowNoPassphrase is
// set. On success the plaintext and, for signed messages, the signer
// identity become available on the context.
func (c *Context) DecryptGPG(passphrase string, allowNoPassphrase bool) error {
	if c.gpg == nil {
		return spa.ErrCtx
	}
	if passphrase == "" && !allowNoPassphrase {
		return spa.ErrDecryptFailed
	}

	keyring, err := loadKeyring(c.gpg.cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("%w: %v", spa.ErrCtx, err)
	}
	if r := c.gpg.cfg.Recipient; r != "" {
		keyring = filterRecipient(keyring, r)
		if len(keyring) == 0 {
			return fmt.Errorf("%w: no key matches recipient %q", spa.ErrCtx, r)
		}
	}

	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		for _, k := range keys {
			if k.PrivateKey != nil && k.PrivateKey.Encrypted {
				if err := k.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	}

	// Decrypt encrypted private keys up front; ReadMessage only invokes the
	// prompt for symmetrically encrypted sessions otherwise.
	if passphrase != "" {
		for _, e := range keyring {
			decryptEntityKeys(e, passphrase)
		}
	}

	md, err := openpgp.ReadMessage(bytes.NewReader(c.gpg.raw), keyring, prompt, nil)
	if err != nil {
		return spa.ErrDecryptFailed
	}

	body, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return spa.ErrDecryptFailed
	}

	if c.gpg.cfg.RequireSignature {
		if md.SignatureError != nil || md.SignedBy == nil {
			if !c.gpg.cfg.IgnoreVerifyError {
				zero(body)
				return spa.ErrDecryptFailed
			}
		}
	}

	if md.SignedBy != nil && md.SignatureError == nil {
		c.signerID = fmt.Sprintf("%X", md.SignedByKeyId)
		c.signerFpr = fmt.Sprintf("%X", md.SignedBy.PublicKey.Fingerprint)
	}

	c.plaintext = body
	return nil
}

// SignerIDMatches reports whether the signer key ID matches one entry of an
// allow-list. Short (8 hex char) IDs match the tail of the full ID.
func (c *Context) SignerIDMatches(want string) bool {
	if c.signerID == "" || want == "" {
		return false
	}
	id := strings.ToUpper(c.signerID)
	w := strings.ToUpper(strings.TrimPrefix(want, "0X"))
	return id == w || strings.HasSuffix(id, w)
}

// SignerFingerprintMatches reports whether the signer fingerprint matches an
// allow-list entry exactly, ignoring case and spacing.
func (c *Context) SignerFingerprintMatches(want string) bool {
	if c.signerFpr == "" || want == "" {
		return false
	}
	canon := func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	}
	return canon(c.signerFpr) == canon(want)
}

// loadKeyring reads the secret and public keyrings from a GPG home directory.
func loadKeyring(homeDir string) (openpgp.EntityList, error) {
	var keyring openpgp.EntityList
	for _, name := range []string{"secring.gpg", "pubring.gpg"} {
		f, err := os.Open(filepath.Join(homeDir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		el, err := openpgp.ReadKeyRing(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		keyring = append(keyring, el...)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("no keys in %s", homeDir)
	}
	return keyring, nil
}

// filterRecipient narrows a keyring to the entities matching a stanza's
// decrypt ID: a key ID suffix or a user-ID substring.
func filterRecipient(keyring openpgp.EntityList, recipient string) openpgp.EntityList {
	want := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(recipient), "0X"))
	var out openpgp.EntityList
	for _, e := range keyring {
		id := fmt.Sprintf("%X", e.PrimaryKey.KeyId)
		if strings.HasSuffix(id, want) {
			out = append(out, e)
			continue
		}
		for name := range e.Identities {
			if strings.Contains(strings.ToUpper(name), want) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func decryptEntityKeys(e *openpgp.Entity, passphrase string) {
	if e.PrivateKey != nil && e.PrivateKey.Encrypted {
		_ = e.PrivateKey.Decrypt([]byte(passphrase))
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			_ = sub.PrivateKey.Decrypt([]byte(passphrase))
		}
	}
}

// SealGPG produces an asymmetric wire payload: plaintext encrypted to the
// recipient entity, signed by signer when non-nil, base64 with the "hQ"
// prefix stripped. The client half of the asymmetric round trip.
func SealGPG(plaintext []byte, recipient *openpgp.Entity, signer *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, []*openpgp.Entity{recipient}, signer, nil,
		&packet.Config{})
	if err != nil {
		return "", fmt.Errorf("gpg encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	enc := spa.RawB64Encoding.EncodeToString(buf.Bytes())
	if !strings.HasPrefix(enc, spa.B64GPGPrefix) {
		return "", fmt.Errorf("gpg message missing %q prefix", spa.B64GPGPrefix)
	}
	return enc[spa.B64GPGPrefixStrLen:], nil
}
