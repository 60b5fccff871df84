package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-712 type hashes for the EIP-3009 authorization message.
var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
	domainTypeHash       = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// domain identifies the verifying token contract for EIP-712 hashing.
type domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int.
func padLeft32(i *big.Int) []byte {
	b := i.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// addressTo32 left-pads an address into 32 bytes.
func addressTo32(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

// domainSeparator builds the EIP-712 domain separator:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract)).
func domainSeparator(d domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil {
		return common.Hash{}, errors.New("incomplete EIP-712 domain")
	}
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// authStructHash hashes the TransferWithAuthorization struct per EIP-712.
func authStructHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressTo32(from),
		addressTo32(to),
		padLeft32(value),
		padLeft32(validAfter),
		padLeft32(validBefore),
		nonce[:],
	)
}

// signAuthorization produces the 65-byte EIP-712 signature over the
// authorization digest keccak256(0x19 0x01 || domainSeparator || structHash).
func signAuthorization(d domain, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sep, err := domainSeparator(d)
	if err != nil {
		return nil, err
	}
	structHash := authStructHash(from, to, value, validAfter, validBefore, nonce)
	digest := crypto.Keccak256([]byte{0x19, 0x01}, sep.Bytes(), structHash.Bytes())

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	return sig, nil
}

// freshNonce returns 32 random bytes for the authorization nonce.
func freshNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate authorization nonce: %w", err)
	}
	return nonce, nil
}
