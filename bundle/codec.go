package bundle

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/xeipuuv/gojsonschema"

	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// transportSchema is the JSON Schema every wire-format OfflineBundle is
// validated against before decoding. Rejecting malformed payloads at the
// schema boundary keeps SchemaMismatch distinguishable from a bundle
// whose signatures simply fail to verify.
const transportSchema = `{
  "type": "object",
  "required": ["txId", "payerPubKey", "merchantPubKey", "mint", "amount", "symbol", "nonce", "timestamp", "payerSignature", "merchantSignature"],
  "properties": {
    "txId": {"type": "string", "minLength": 1, "maxLength": 128},
    "payerPubKey": {"type": "string"},
    "merchantPubKey": {"type": "string"},
    "mint": {"type": "string"},
    "amount": {"type": "string", "pattern": "^[0-9]+$"},
    "symbol": {"type": "string"},
    "nonce": {"type": "string", "pattern": "^[0-9]+$"},
    "timestamp": {"type": "integer"},
    "payerSignature": {"type": "string"},
    "merchantSignature": {"type": "string"}
  }
}`

var transportSchemaLoader = gojsonschema.NewStringLoader(transportSchema)

// wireBundle mirrors OfflineBundle in the transport encoding: binary
// fields base64/base58, amounts and nonce as decimal strings.
type wireBundle struct {
	TxID              string `json:"txId"`
	PayerPubKey       string `json:"payerPubKey"`
	MerchantPubKey    string `json:"merchantPubKey"`
	Mint              string `json:"mint"`
	Amount            string `json:"amount"`
	Symbol            string `json:"symbol"`
	Nonce             string `json:"nonce"`
	Timestamp         int64  `json:"timestamp"`
	PayerSignature    string `json:"payerSignature"`
	MerchantSignature string `json:"merchantSignature"`
}

// EncodeBundle renders an OfflineBundle as the transport JSON the offline
// channel carries verbatim.
func EncodeBundle(b OfflineBundle) ([]byte, error) {
	w := wireBundle{
		TxID:              b.TxID,
		PayerPubKey:       b.PayerPubKey.String(),
		MerchantPubKey:    b.MerchantPubKey.String(),
		Mint:              b.Token.Mint.String(),
		Amount:            strconv.FormatUint(b.Token.Amount, 10),
		Symbol:            b.Token.Symbol,
		Nonce:             strconv.FormatUint(b.Nonce, 10),
		Timestamp:         b.Timestamp,
		PayerSignature:    base64.StdEncoding.EncodeToString(b.PayerSignature.Bytes()),
		MerchantSignature: base64.StdEncoding.EncodeToString(b.MerchantSignature.Bytes()),
	}
	return json.Marshal(w)
}

// DecodeBundle parses transport JSON into an OfflineBundle, validating it
// against transportSchema first so a structurally malformed payload is
// reported as SchemaMismatch rather than surfacing as a cryptic decode
// panic or a signature failure that would wrongly implicate the payer.
func DecodeBundle(data []byte) (*OfflineBundle, error) {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(transportSchemaLoader, documentLoader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindSchemaMismatch, "validate transport payload", "", err)
	}
	if !result.Valid() {
		return nil, xerrors.New(xerrors.KindSchemaMismatch, result.Errors()[0].String())
	}

	var w wireBundle
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, xerrors.Wrap(xerrors.KindSchemaMismatch, "unmarshal transport payload", "", err)
	}

	payer, err := ledger.PubKeyFromBase58(w.PayerPubKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidOwner, "decode payerPubKey", "", err)
	}
	merchant, err := ledger.PubKeyFromBase58(w.MerchantPubKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidOwner, "decode merchantPubKey", "", err)
	}
	mint, err := ledger.PubKeyFromBase58(w.Mint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidOwner, "decode mint", "", err)
	}
	amount, err := strconv.ParseUint(w.Amount, 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidAmount, "parse amount", "", err)
	}
	nonce, err := strconv.ParseUint(w.Nonce, 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidNonce, "parse nonce", "", err)
	}
	payerSig, err := decodeSignature(w.PayerSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidPayerSignature, "decode payerSignature", "", err)
	}
	merchantSig, err := decodeSignature(w.MerchantSignature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidMerchantSignature, "decode merchantSignature", "", err)
	}

	return &OfflineBundle{
		TxID:              w.TxID,
		PayerPubKey:       payer,
		MerchantPubKey:    merchant,
		Token:             Token{Mint: mint, Amount: amount, Symbol: w.Symbol},
		Nonce:             nonce,
		Timestamp:         w.Timestamp,
		PayerSignature:    payerSig,
		MerchantSignature: merchantSig,
	}, nil
}

func decodeSignature(s string) (ledger.Signature, error) {
	var sig ledger.Signature
	if s == "" {
		return sig, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return sig, err
	}
	if len(raw) != ledger.SignatureSize {
		return sig, xerrors.New(xerrors.KindInvalidPayerSignature, "signature must be 64 bytes")
	}
	copy(sig[:], raw)
	return sig, nil
}
