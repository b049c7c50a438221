// Package bls 基于kyber bn256曲线实现BLS签名，满足tendermint的crypto.PubKey/PrivKey接口，
// 验证者可以选择ed25519或者bls作为共识签名密钥
package bls

import (
	"bytes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

const (
	PrivKeyName = "dbft/PrivKeyBLS"
	PubKeyName  = "dbft/PubKeyBLS"

	KeyType = "bls"

	// PrivKeySize scalar序列化后的长度
	PrivKeySize = 32
	// PubKeySize G2上的点序列化后的长度
	PubKeySize = 128
	// SignatureSize G1上的点序列化后的长度
	SignatureSize = 64
)

var suite = bn256.NewSuite()

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

var _ crypto.PrivKey = PrivKey{}

// PrivKey 序列化后的私钥scalar
type PrivKey []byte

// Bytes returns the privkey byte format.
func (privKey PrivKey) Bytes() []byte {
	return []byte(privKey)
}

// Sign 对msg做BLS签名，签名是G1上的点
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	x := suite.G2().Scalar()
	if err := x.UnmarshalBinary(privKey); err != nil {
		return nil, fmt.Errorf("invalid bls private key: %w", err)
	}
	return bls.Sign(suite, x, msg)
}

// PubKey 根据私钥计算公钥 X = x*G2
func (privKey PrivKey) PubKey() crypto.PubKey {
	x := suite.G2().Scalar()
	if err := x.UnmarshalBinary(privKey); err != nil {
		panic(err)
	}
	X := suite.G2().Point().Mul(x, nil)
	bz, err := X.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PubKey(bz)
}

// Equals - you probably don't need to use this.
// Runs in constant time based on length of the keys.
func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return subtle.ConstantTimeCompare(privKey[:], otherBLS[:]) == 1
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

// GenPrivKey 使用系统随机源生成私钥
func GenPrivKey() PrivKey {
	return genPrivKey(random.New())
}

// GenPrivKeyWithSeed 根据seed确定性地生成私钥，同一个seed总是得到同一把私钥
func GenPrivKeyWithSeed(seed int64) PrivKey {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(seed))
	return genPrivKey(suite.XOF(bz))
}

func genPrivKey(stream cipher.Stream) PrivKey {
	x, _ := bls.NewKeyPair(suite, stream)
	bz, err := x.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return PrivKey(bz)
}

//-------------------------------------

var _ crypto.PubKey = PubKey{}

// PubKey 序列化后的G2公钥
type PubKey []byte

// Address is the SHA256-20 of the raw pubkey bytes.
func (pubKey PubKey) Address() crypto.Address {
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

// Bytes returns the PubKey byte format.
func (pubKey PubKey) Bytes() []byte {
	return []byte(pubKey)
}

func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	X, err := pubKey.point()
	if err != nil {
		return false
	}
	return bls.Verify(suite, X, msg, sig) == nil
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey[:], otherBLS[:])
	}
	return false
}

func (pubKey PubKey) point() (kyber.Point, error) {
	X := suite.G2().Point()
	if err := X.UnmarshalBinary(pubKey); err != nil {
		return nil, err
	}
	return X, nil
}

//-------------------------------------

// AggregateSignatures 将同一条消息的多个签名聚合成一个
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregate 用聚合公钥验证聚合签名
func VerifyAggregate(pubKeys []PubKey, msg, aggSig []byte) bool {
	if len(pubKeys) == 0 {
		return false
	}
	points := make([]kyber.Point, 0, len(pubKeys))
	for _, pk := range pubKeys {
		X, err := pk.point()
		if err != nil {
			return false
		}
		points = append(points, X)
	}
	aggKey := bls.AggregatePublicKeys(suite, points...)
	return bls.Verify(suite, aggKey, msg, aggSig) == nil
}
