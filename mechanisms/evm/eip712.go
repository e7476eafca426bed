package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/cygnus-agents/paycore"
)

// HashTypedData hashes EIP-712 typed data according to the specification
//
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	// Add EIP712Domain type if not present
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// Create EIP-712 digest: 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// BalanceUpdateTypes are the EIP-712 types of a channel balance update.
var BalanceUpdateTypes = map[string][]TypedDataField{
	PrimaryTypeBalanceUpdate: {
		{Name: "channelId", Type: "bytes32"},
		{Name: "balanceA", Type: "uint256"},
		{Name: "balanceB", Type: "uint256"},
		{Name: "sequence", Type: "uint64"},
		{Name: "final", Type: "bool"},
	},
}

// ChannelDomain returns the EIP-712 domain channel updates are signed under.
func ChannelDomain(chainID *big.Int, escrowContract string) TypedDataDomain {
	if escrowContract == "" {
		escrowContract = ZeroAddress
	}
	return TypedDataDomain{
		Name:              ChannelDomainName,
		Version:           ChannelDomainVersion,
		ChainID:           chainID,
		VerifyingContract: escrowContract,
	}
}

// HashBalanceUpdate returns the digest both parties sign for u. Signatures
// already on u are not covered.
func HashBalanceUpdate(domain TypedDataDomain, u paycore.BalanceUpdate) ([]byte, error) {
	id, err := hexutil.Decode(u.ChannelID)
	if err != nil || len(id) != 32 {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("channel id %q is not 32 hex bytes", u.ChannelID), nil)
	}
	message := map[string]interface{}{
		"channelId": id,
		"balanceA":  new(big.Int).SetUint64(uint64(u.BalanceA)),
		"balanceB":  new(big.Int).SetUint64(uint64(u.BalanceB)),
		"sequence":  new(big.Int).SetUint64(u.Sequence),
		"final":     u.Final,
	}
	return HashTypedData(domain, BalanceUpdateTypes, PrimaryTypeBalanceUpdate, message)
}

// DeriveChannelID returns keccak256(addressA || addressB || escrowTxHash).
func DeriveChannelID(participantA, participantB, escrowTx string) (string, error) {
	if !common.IsHexAddress(participantA) || !common.IsHexAddress(participantB) {
		return "", paycore.NewPaymentError(paycore.ErrCodeDecode, "participants must be hex addresses", nil)
	}
	txHash, err := hexutil.Decode(escrowTx)
	if err != nil {
		return "", paycore.Wrap(err, paycore.ErrCodeDecode, "escrow transaction hash is not hex")
	}
	id := crypto.Keccak256(
		common.HexToAddress(participantA).Bytes(),
		common.HexToAddress(participantB).Bytes(),
		txHash,
	)
	return hexutil.Encode(id), nil
}
