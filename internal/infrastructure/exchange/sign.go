package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

type signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// Typed-data constants of the venue's phantom-agent signing convention. The
// signature never covers the action bytes directly; it covers an Agent
// struct whose connectionId is the action hash.
var (
	domainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	agentTypeHash  = crypto.Keccak256([]byte("Agent(string source,bytes32 connectionId)"))
)

const signingChainID = 1337

type signer struct {
	key    *ecdsa.PrivateKey
	source string // "a" mainnet, "b" testnet
	vault  *common.Address
	domain []byte
}

func newSigner(privateKeyHex, vaultAddress string, testnet bool) (*signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	source := "a"
	if testnet {
		source = "b"
	}
	s := &signer{key: key, source: source, domain: exchangeDomainSeparator()}
	if vaultAddress != "" {
		addr := common.HexToAddress(vaultAddress)
		s.vault = &addr
	}
	return s, nil
}

func exchangeDomainSeparator() []byte {
	chainID := common.LeftPadBytes(big.NewInt(signingChainID).Bytes(), 32)
	verifyingContract := common.LeftPadBytes(common.Address{}.Bytes(), 32)
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte("Exchange")),
		crypto.Keccak256([]byte("1")),
		chainID,
		verifyingContract,
	)
}

// actionHash is keccak256(msgpack(action) ‖ nonce big-endian ‖ vault scope
// byte(s)). The msgpack encoding is the canonical signed form; JSON is only
// transport.
func (s *signer) actionHash(action any, nonce uint64) ([]byte, error) {
	data, err := msgpack.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	data = append(data, nonceBytes[:]...)
	if s.vault == nil {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, s.vault.Bytes()...)
	}
	return crypto.Keccak256(data), nil
}

// signAction wraps the action hash in the phantom-agent structure and signs
// its EIP-712 digest. Nonces must be monotonically non-decreasing per
// signing key or the venue rejects the submission as a replay; producing
// them is the caller's responsibility (see nonceSource).
func (s *signer) signAction(action any, nonce uint64) (signature, error) {
	connectionID, err := s.actionHash(action, nonce)
	if err != nil {
		return signature{}, err
	}
	structHash := crypto.Keccak256(agentTypeHash, crypto.Keccak256([]byte(s.source)), connectionID)
	digest := crypto.Keccak256([]byte{0x19, 0x01}, s.domain, structHash)

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return signature{}, fmt.Errorf("sign action: %w", err)
	}
	return signature{
		R: "0x" + hex.EncodeToString(sig[:32]),
		S: "0x" + hex.EncodeToString(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

func (s *signer) vaultAddressHex() string {
	if s.vault == nil {
		return ""
	}
	return strings.ToLower(s.vault.Hex())
}

// nonceSource issues wall-clock millisecond nonces that never go backwards,
// even when two orders land inside the same millisecond.
type nonceSource struct {
	last atomic.Int64
}

func (n *nonceSource) Next() uint64 {
	for {
		now := time.Now().UnixMilli()
		last := n.last.Load()
		if now <= last {
			now = last + 1
		}
		if n.last.CompareAndSwap(last, now) {
			return uint64(now)
		}
	}
}
