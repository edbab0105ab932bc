package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// Credentials holds the L2 API key triplet returned by /auth/derive-api-key.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth handles Polymarket's two authentication layers:
//
//   - L1 (EIP-712): signs a typed-data "ClobAuth" message once, to derive
//     L2 API keys.
//   - L2 (HMAC-SHA256): signs "timestamp + method + path [+ body]" for
//     every trading request.
//
// funderAddress may differ from address when trading through a proxy or
// Gnosis Safe wallet.
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       SignatureType
	creds         Credentials
}

// AccountConfig is the venue.Account.Config shape this package expects:
// keys "privateKey" (required), "funderAddress", "chainId" (default 137),
// "signatureType" (default "0"), and optionally pre-derived
// "apiKey"/"secret"/"passphrase" to skip the L1 derive-api-key round trip.
func newAuthFromAccountConfig(cfg map[string]string) (*Auth, error) {
	keyHex := cfg["privateKey"]
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	funder := address
	if f := cfg["funderAddress"]; f != "" {
		funder = common.HexToAddress(f)
	}

	chainID := int64(137)
	if c := cfg["chainId"]; c != "" {
		if v, err := strconv.ParseInt(c, 10, 64); err == nil {
			chainID = v
		}
	}

	sigType := SigEOA
	if s := cfg["signatureType"]; s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			sigType = SignatureType(v)
		}
	}

	return &Auth{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(chainID),
		sigType:       sigType,
		creds: Credentials{
			ApiKey:     cfg["apiKey"],
			Secret:     cfg["secret"],
			Passphrase: cfg["passphrase"],
		},
	}, nil
}

func (a *Auth) Address() common.Address       { return a.address }
func (a *Auth) ChainID() *big.Int             { return a.chainID }
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

func (a *Auth) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

func (a *Auth) SetCredentials(creds Credentials) { a.creds = creds }

// L1Headers builds headers for L1-authenticated endpoints (key derivation).
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}
	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers builds the POLY_* header set for L2 HMAC-authenticated
// trading endpoints.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}
	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.ApiKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// WSAuthPayload returns credentials for the user WebSocket channel.
func (a *Auth) WSAuthPayload() *WSAuth {
	return &WSAuth{ApiKey: a.creds.ApiKey, Secret: a.creds.Secret, Passphrase: a.creds.Passphrase}
}

// signClobAuth produces the EIP-712 signature for L1 auth under the
// ClobAuthDomain typed-data domain (name="ClobAuthDomain", version="1").
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs EIP-712 typed data and normalizes V to 27/28.
func (a *Auth) SignTypedData(domain *apitypes.TypedDataDomain, typesDef apitypes.Types, message apitypes.TypedDataMessage, primaryType string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// ctfExchangeAddress is the CTF Exchange contract the CLOB settles against;
// it is the verifying contract of every order signature.
const ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// negRiskExchangeAddress verifies orders on neg-risk (multi-outcome) markets.
const negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

// SignOrder fills in the order's salt and EIP-712 signature over the CTF
// Exchange's Order typed struct. uint256 fields are passed as
// arbitrary-precision integers, never floats.
func (a *Auth) SignOrder(order *SignedOrder, negRisk bool) error {
	if order.Salt == "" {
		salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		order.Salt = salt.String()
	}

	verifying := ctfExchangeAddress
	if negRisk {
		verifying = negRiskExchangeAddress
	}

	side := "0"
	if order.Side == SELL {
		side = "1"
	}

	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
			VerifyingContract: verifying,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          side,
			"signatureType": fmt.Sprintf("%d", int(order.SignatureType)),
		},
		"Order",
	)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}
	order.Signature = "0x" + common.Bytes2Hex(sig)
	return nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth:
// message = timestamp + method + requestPath [+ body].
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// PriceToAmounts converts a human price/size to makerAmount/takerAmount
// big.Ints scaled to 6 decimals (USDC). Uses shopspring/decimal rather than
// float64 arithmetic so truncation lands on exact decimal boundaries
// instead of accumulating binary-float rounding error across the
// price*size*scale chain.
func PriceToAmounts(price, size float64, side Side, tickSize TickSize) (makerAmt, takerAmt *big.Int) {
	amtDecimals := int32(tickSize.AmountDecimals())
	scale := decimal.New(1, 6) // USDC has 6 decimals
	sizeRounded := decimal.NewFromFloat(size).Truncate(2)
	priceDec := decimal.NewFromFloat(price)

	switch side {
	case BUY:
		cost := sizeRounded.Mul(priceDec).Truncate(amtDecimals)
		makerAmt = cost.Mul(scale).BigInt()
		takerAmt = sizeRounded.Mul(scale).BigInt()
	case SELL:
		makerAmt = sizeRounded.Mul(scale).BigInt()
		revenue := sizeRounded.Mul(priceDec).Truncate(amtDecimals)
		takerAmt = revenue.Mul(scale).BigInt()
	}
	return makerAmt, takerAmt
}

// roundDown truncates val to decimals places, rounding toward zero.
func roundDown(val float64, decimals int) float64 {
	f, _ := decimal.NewFromFloat(val).Truncate(int32(decimals)).Float64()
	return f
}
