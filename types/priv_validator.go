package types

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator 共识使用的签名组件，私钥只保存在实现内部
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	// Sign 对消息摘要签名
	Sign(digest []byte) ([]byte, error)

	// ContainsSignable 是否持有pubKey对应的私钥，reset时据此确定my_index
	ContainsSignable(pubKey crypto.PubKey) bool
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

// NewMockPVWithParams allows one to create a MockPV instance from an existing
// private key.
func NewMockPVWithParams(privKey crypto.PrivKey) MockPV {
	return MockPV{PrivKey: privKey}
}

// Implements PrivValidator.
func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

// Implements PrivValidator.
func (pv MockPV) Sign(digest []byte) ([]byte, error) {
	return pv.PrivKey.Sign(digest)
}

// Implements PrivValidator.
func (pv MockPV) ContainsSignable(pubKey crypto.PubKey) bool {
	return pv.PrivKey.PubKey().Equals(pubKey)
}

func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", pv.PrivKey.PubKey().Address())
}

// ErroringMockPV implements PrivValidator and always fails to sign.
type ErroringMockPV struct {
	MockPV
}

var ErroringMockPVErr = fmt.Errorf("erroringMockPV always returns an error")

// Implements PrivValidator.
func (pv *ErroringMockPV) Sign(digest []byte) ([]byte, error) {
	return nil, ErroringMockPVErr
}

// NewErroringMockPV returns a MockPV that fails on each signing request. Again, for testing only.
func NewErroringMockPV() *ErroringMockPV {
	return &ErroringMockPV{MockPV{ed25519.GenPrivKey()}}
}
