package hyperlicked

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces the EIP-712 signature every /exchange action carries.
// The action body is keccak-hashed together with the nonce into a 32-byte
// connection id, and the signature covers an Agent typed struct binding
// that id — so a captured signature cannot be replayed for any other
// action or nonce.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewSigner parses a hex private key (0x prefix optional).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// ActionHash derives the connection id: keccak256(actionJSON || nonce_be).
func ActionHash(action Action, nonce int64) ([32]byte, error) {
	var out [32]byte
	raw, err := json.Marshal(action)
	if err != nil {
		return out, fmt.Errorf("marshal action: %w", err)
	}
	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	copy(out[:], crypto.Keccak256(raw, nonceBytes))
	return out, nil
}

// SignAction signs the Agent struct over the action's connection id.
func (s *Signer) SignAction(action Action, nonce int64) (WireSignature, error) {
	connectionID, err := ActionHash(action, nonce)
	if err != nil {
		return WireSignature{}, err
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "HyperlickedExchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       "a",
			"connectionId": connectionID[:],
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return WireSignature{}, fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return WireSignature{}, fmt.Errorf("sign action: %w", err)
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return WireSignature{
		R: "0x" + common.Bytes2Hex(sig[:32]),
		S: "0x" + common.Bytes2Hex(sig[32:64]),
		V: v,
	}, nil
}
