package hdwallet

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const hardenedBit = 0x80000000

var (
	// ErrInvalidIndex is returned when a derivation index is outside the
	// configured address pool.
	ErrInvalidIndex = errors.New("hdwallet: derivation index out of range")

	// ErrInvalidSeed is returned by New when the master seed is unusable.
	// Callers must treat this as fatal at startup.
	ErrInvalidSeed = errors.New("hdwallet: invalid master seed")

	curveOrder = crypto.S256().Params().N
)

// Wallet is one derived child: a receiving address plus the key pair that
// controls it. PrivateKey is sensitive and must never leave the process
// unsealed.
type Wallet struct {
	Address        common.Address
	PrivateKey     *ecdsa.PrivateKey
	PublicKey      *ecdsa.PublicKey
	Index          uint32
	DerivationPath string
}

// PrivateKeyHex returns the 32-byte private key as a 0x-prefixed hex string.
func (w Wallet) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(w.PrivateKey))
}

// PublicKeyHex returns the uncompressed public key as a 0x-prefixed hex string.
func (w Wallet) PublicKeyHex() string {
	return hexutil.Encode(crypto.FromECDSAPub(w.PublicKey))
}

// Deriver produces child wallets from a master seed along a fixed BIP-44
// path template. It holds only read-only state and is safe for concurrent
// use with distinct indices.
type Deriver struct {
	masterKey   []byte // 32-byte master private key
	masterChain []byte // 32-byte master chain code
	coinType    uint32
	maxIndex    uint32
}

// New builds a Deriver from a raw master seed (16–64 bytes, per BIP-32).
// coinType selects the hardened coin segment of the path (60 for EVM chains);
// maxIndex bounds the address pool.
func New(seed []byte, coinType, maxIndex uint32) (*Deriver, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, fmt.Errorf("%w: seed must be 16-64 bytes, got %d", ErrInvalidSeed, len(seed))
	}
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)

	key := sum[:32]
	k := new(big.Int).SetBytes(key)
	if k.Sign() == 0 || k.Cmp(curveOrder) >= 0 {
		return nil, fmt.Errorf("%w: master key outside curve order", ErrInvalidSeed)
	}

	return &Deriver{
		masterKey:   key,
		masterChain: sum[32:],
		coinType:    coinType,
		maxIndex:    maxIndex,
	}, nil
}

// PathFor renders the derivation path for an index, e.g. m/44'/60'/0'/0/7.
func (d *Deriver) PathFor(index uint32) string {
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", d.coinType, index)
}

// Derive returns the wallet at the given index. It is a pure function of the
// master seed and the index: the same index always yields the same wallet.
func (d *Deriver) Derive(index uint32) (Wallet, error) {
	if index >= d.maxIndex {
		return Wallet{}, fmt.Errorf("%w: index %d >= max %d", ErrInvalidIndex, index, d.maxIndex)
	}

	pathStr := d.PathFor(index)
	path, err := accounts.ParseDerivationPath(pathStr)
	if err != nil {
		return Wallet{}, fmt.Errorf("hdwallet: parse path %q: %w", pathStr, err)
	}

	key := d.masterKey
	chain := d.masterChain
	for _, segment := range path {
		key, chain, err = childKey(key, chain, segment)
		if err != nil {
			return Wallet{}, fmt.Errorf("hdwallet: derive %q: %w", pathStr, err)
		}
	}

	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return Wallet{}, fmt.Errorf("hdwallet: build key: %w", err)
	}

	return Wallet{
		Address:        crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey:     priv,
		PublicKey:      &priv.PublicKey,
		Index:          index,
		DerivationPath: pathStr,
	}, nil
}

// childKey performs one BIP-32 CKD step. Hardened segments commit to the
// parent private key, normal segments to the compressed parent public key.
func childKey(parentKey, parentChain []byte, segment uint32) (key, chain []byte, err error) {
	data := make([]byte, 0, 37)
	if segment >= hardenedBit {
		data = append(data, 0x00)
		data = append(data, parentKey...)
	} else {
		priv, err := crypto.ToECDSA(parentKey)
		if err != nil {
			return nil, nil, err
		}
		data = append(data, crypto.CompressPubkey(&priv.PublicKey)...)
	}
	var ser [4]byte
	binary.BigEndian.PutUint32(ser[:], segment)
	data = append(data, ser[:]...)

	mac := hmac.New(sha512.New, parentChain)
	mac.Write(data)
	sum := mac.Sum(nil)

	il := new(big.Int).SetBytes(sum[:32])
	if il.Cmp(curveOrder) >= 0 {
		return nil, nil, errors.New("derived key outside curve order")
	}
	il.Add(il, new(big.Int).SetBytes(parentKey))
	il.Mod(il, curveOrder)
	if il.Sign() == 0 {
		return nil, nil, errors.New("derived zero key")
	}

	return il.FillBytes(make([]byte, 32)), sum[32:], nil
}
