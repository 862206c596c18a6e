package remote

import (
	"crypto/rand"
	"errors"

	"github.com/ksred/fleet-api/internal/secrets"
	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/gorm"
)

// KeyStore resolves SSH private keys for machines. Keys live in the store
// as AES-GCM blobs keyed by ssh_key_ref; when a blob is missing or fails
// to decrypt, a single process-level fallback key is consulted before
// giving up with NoCredentials.
type KeyStore struct {
	db          *gorm.DB
	secret      string
	fallbackKey string
}

func NewKeyStore(db *gorm.DB, encryptionSecret, fallbackKey string) *KeyStore {
	return &KeyStore{db: db, secret: encryptionSecret, fallbackKey: fallbackKey}
}

// Save seals a private key under keyRef, replacing any existing blob.
func (ks *KeyStore) Save(keyRef string, privateKeyPEM []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := secrets.Derive(ks.secret, salt)
	nonce, ct, err := secrets.EncryptGCM(key, privateKeyPEM)
	if err != nil {
		return err
	}

	blob := types.SSHKeyBlob{KeyRef: keyRef, Ciphertext: ct, Salt: salt, Nonce: nonce}
	return ks.db.Where("key_ref = ?", keyRef).
		Assign(map[string]interface{}{"ciphertext": ct, "salt": salt, "nonce": nonce}).
		FirstOrCreate(&blob).Error
}

// PrivateKey returns the decrypted PEM for keyRef, falling back to the
// process key, or NoCredentials when neither is usable.
func (ks *KeyStore) PrivateKey(keyRef string) ([]byte, error) {
	if keyRef != "" {
		var blob types.SSHKeyBlob
		err := ks.db.Where("key_ref = ?", keyRef).First(&blob).Error
		switch {
		case err == nil:
			key := secrets.Derive(ks.secret, blob.Salt)
			plaintext, decErr := secrets.DecryptGCM(key, blob.Nonce, blob.Ciphertext)
			if decErr == nil {
				return plaintext, nil
			}
			// Undecryptable blob: fall through to the fallback key.
		case errors.Is(err, gorm.ErrRecordNotFound):
			// No blob: fall through.
		default:
			return nil, err
		}
	}

	if ks.fallbackKey != "" {
		return []byte(ks.fallbackKey), nil
	}
	return nil, types.E(types.KindNoCredentials, "no usable SSH key for ref %q", keyRef)
}
