package mssql

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"os"

	ae "github.com/swisscom/mssql-always-encrypted/pkg"
	"github.com/swisscom/mssql-always-encrypted/pkg/algorithms"
	"github.com/swisscom/mssql-always-encrypted/pkg/encryption"
	"github.com/swisscom/mssql-always-encrypted/pkg/keys"
	"golang.org/x/crypto/pkcs12"
)

// KeystoreAuthType selects how the column master keystore opens.
type KeystoreAuthType int

// PFXKeystoreAuth reads the column master key from a PKCS#12 file
// protected by a passphrase.
const PFXKeystoreAuth KeystoreAuthType = iota

// AlwaysEncryptedSettings configures transparent decryption of
// columns protected with Always Encrypted.
type AlwaysEncryptedSettings struct {
	Location string
	Auth     KeystoreAuthType
	Secret   string

	pKey crypto.PrivateKey
	cert *x509.Certificate
}

// load opens the keystore on first use.
func (s *AlwaysEncryptedSettings) load() error {
	if s.pKey != nil {
		return nil
	}
	if s.Auth != PFXKeystoreAuth {
		return fmt.Errorf("keystore auth %v is not implemented", s.Auth)
	}
	f, err := os.Open(s.Location)
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := ioutil.ReadAll(f)
	if err != nil {
		return err
	}
	pk, cert, err := pkcs12.Decode(raw, s.Secret)
	if err != nil {
		return err
	}
	s.pKey = pk
	s.cert = cert
	return nil
}

// keyTable is the column encryption key table sent ahead of
// encrypted column metadata.
type keyTable struct {
	entries []keyEntry
}

type keyEntry struct {
	databaseID int
	keyID      int
	keyVersion int
	mdVersion  []byte
	values     []keyValue
}

type keyValue struct {
	encryptedKey []byte
	keyPath      string
	keyStore     string
	algorithm    string
}

// colEncInfo is the per-column crypto metadata: which key entry the
// column uses and the plaintext type of the value.
type colEncInfo struct {
	entry      *keyEntry
	ordinal    uint16
	algID      byte
	algName    string
	encType    byte
	normRule   byte
	ti         typeInfo
}

// decryptValue unwraps the column encryption key with the keystore's
// private key and decrypts one ciphertext value. The result is the
// raw plaintext value of the column's real type.
func decryptValue(enc *colEncInfo, settings *AlwaysEncryptedSettings, ciphertext []byte) []byte {
	if settings == nil {
		panic(fmt.Errorf("encrypted column but no keystore configured"))
	}
	if err := settings.load(); err != nil {
		panic(err)
	}
	cekv := ae.LoadCEKV(enc.entry.values[0].encryptedKey)
	if !cekv.Verify(settings.cert) {
		panic(fmt.Errorf("certificate does not match key path %v", cekv.KeyPath))
	}
	rootKey, err := cekv.Decrypt(settings.pKey.(*rsa.PrivateKey))
	if err != nil {
		panic(err)
	}
	k := keys.NewAeadAes256CbcHmac256(rootKey)
	alg := algorithms.NewAeadAes256CbcHmac256Algorithm(k, encryption.From(enc.encType),
		byte(enc.entry.keyVersion))
	plain, err := alg.Decrypt(ciphertext)
	if err != nil {
		panic(err)
	}
	return plain
}
