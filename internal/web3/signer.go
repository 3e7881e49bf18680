package web3

import (
	"crypto/ecdsa"
	"strings"

	xerrors "AVA-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature 是 personal_sign 风格的签名结果。
type Signature struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Signer 使用本地私钥对消息签名。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 从十六进制私钥创建签名器。
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析签名私钥失败")
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey 包装已有私钥。
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address 返回签名账户地址。
func (s *Signer) Address() string { return s.address.Hex() }

// SignMessage 按 EIP-191 前缀计算哈希并签名，V 值为 27/28。
func (s *Signer) SignMessage(message string) (Signature, error) {
	if s == nil || s.key == nil {
		return Signature{}, xerrors.New(xerrors.CodeChainFailure, "签名器未初始化")
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return Signature{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "消息签名失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return Signature{Address: s.Address(), Message: message, Signature: hexutil.Encode(sig)}, nil
}

// RecoverAddress 从签名中恢复签名者地址。
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名格式错误")
	}
	if len(sig) != crypto.SignatureLength {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "签名长度错误")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "恢复公钥失败")
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
