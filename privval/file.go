package privval

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"dbft_demo/crypto/bls"
	"dbft_demo/types"
)

const (
	KeyTypeEd25519 = ed25519.KeyType
	KeyTypeBLS     = bls.KeyType
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address  `json:"address"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements PrivValidator using a key persisted to disk.
// 共识只通过Sign和ContainsSignable使用私钥
// NOTE: the directory containing pv.Key.filePath must already exist.
type FilePV struct {
	Key FilePVKey
}

var _ types.PrivValidator = (*FilePV)(nil)

// NewFilePV generates a new validator from the given key and paths.
func NewFilePV(privKey crypto.PrivKey, keyFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:  privKey.PubKey().Address(),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey,
			filePath: keyFilePath,
		},
	}
}

// GenFilePV generates a new validator with randomly generated private key
// and sets the filePaths, but does not call Save().
func GenFilePV(keyFilePath, keyType string) (*FilePV, error) {
	switch keyType {
	case KeyTypeEd25519:
		return NewFilePV(ed25519.GenPrivKey(), keyFilePath), nil
	case KeyTypeBLS:
		return NewFilePV(bls.GenPrivKey(), keyFilePath), nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

// GenFilePVWithSeed 由seed确定地生成私钥，用于搭建测试网络
func GenFilePVWithSeed(keyFilePath, keyType string, seed int64) (*FilePV, error) {
	switch keyType {
	case KeyTypeEd25519:
		secret := make([]byte, 8)
		binary.BigEndian.PutUint64(secret, uint64(seed))
		return NewFilePV(ed25519.GenPrivKeyFromSecret(secret), keyFilePath), nil
	case KeyTypeBLS:
		return NewFilePV(bls.GenPrivKeyWithSeed(seed), keyFilePath), nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

// LoadFilePV loads a FilePV from the filePaths.
// If the file path does not exist, the program will exit.
func LoadFilePV(keyFilePath string) *FilePV {
	pv, err := loadFilePV(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	return pv
}

func loadFilePV(keyFilePath string) (*FilePV, error) {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	pvKey := FilePVKey{}
	err = tmjson.Unmarshal(keyJSONBytes, &pvKey)
	if err != nil {
		return nil, fmt.Errorf("error reading PrivValidator key from %v: %w", keyFilePath, err)
	}

	// overwrite pubkey and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = pvKey.PubKey.Address()
	pvKey.filePath = keyFilePath

	return &FilePV{
		Key: pvKey,
	}, nil
}

// LoadOrGenFilePV loads a FilePV from the given filePaths
// or else generates a new one and saves it to the filePaths.
func LoadOrGenFilePV(keyFilePath, keyType string) (*FilePV, error) {
	if tmos.FileExists(keyFilePath) {
		return loadFilePV(keyFilePath)
	}
	pv, err := GenFilePV(keyFilePath, keyType)
	if err != nil {
		return nil, err
	}
	pv.Save()
	return pv, nil
}

// GetAddress returns the address of the validator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() (crypto.PubKey, error) {
	return pv.Key.PubKey, nil
}

// Sign 对共识消息的摘要签名
// Implements PrivValidator.
func (pv *FilePV) Sign(digest []byte) ([]byte, error) {
	sig, err := pv.Key.PrivKey.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("error signing digest: %w", err)
	}
	return sig, nil
}

// ContainsSignable implements PrivValidator.
func (pv *FilePV) ContainsSignable(pubKey crypto.PubKey) bool {
	return pubKey != nil && pv.Key.PubKey.Equals(pubKey)
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf(
		"PrivValidator{%v}",
		pv.GetAddress(),
	)
}
