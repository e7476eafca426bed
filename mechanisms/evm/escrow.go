package evm

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cygnus-agents/paycore"
)

var (
	escrowABI = mustParseABI(EscrowABI)
	erc20ABI  = mustParseABI(ERC20TransferABI)
)

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// PackEscrowOpen encodes open(counterparty). The capacity is sent as value.
func PackEscrowOpen(counterparty string) ([]byte, error) {
	if !common.IsHexAddress(counterparty) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("invalid counterparty address %q", counterparty), nil)
	}
	return escrowABI.Pack(FunctionEscrowOpen, common.HexToAddress(counterparty))
}

// PackEscrowUpdate encodes settle or dispute with a co-signed balance update.
func PackEscrowUpdate(function string, call *paycore.EscrowCall) ([]byte, error) {
	if function != FunctionEscrowSettle && function != FunctionEscrowDispute {
		return nil, fmt.Errorf("unsupported escrow function: %s", function)
	}
	if call == nil {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode, "escrow call data missing", nil)
	}
	id, err := channelIDBytes(call.ChannelID)
	if err != nil {
		return nil, err
	}
	return escrowABI.Pack(function,
		id,
		new(big.Int).SetUint64(uint64(call.BalanceA)),
		new(big.Int).SetUint64(uint64(call.BalanceB)),
		call.Sequence,
		call.SigA,
		call.SigB,
	)
}

// PackEscrowFinalize encodes finalize(channelId).
func PackEscrowFinalize(channelID string) ([]byte, error) {
	id, err := channelIDBytes(channelID)
	if err != nil {
		return nil, err
	}
	return escrowABI.Pack(FunctionEscrowFinalize, id)
}

// PackERC20Transfer encodes transfer(to, value).
func PackERC20Transfer(to string, amount paycore.Amount) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("invalid recipient address %q", to), nil)
	}
	return erc20ABI.Pack(FunctionTransfer, common.HexToAddress(to), new(big.Int).SetUint64(uint64(amount)))
}

// UnpackERC20Transfer decodes transfer(to, value) calldata. ok is false
// when data is not a transfer call.
func UnpackERC20Transfer(data []byte) (to common.Address, amount *big.Int, ok bool) {
	method := erc20ABI.Methods[FunctionTransfer]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return common.Address{}, nil, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return common.Address{}, nil, false
	}
	to, okTo := args[0].(common.Address)
	amount, okAmount := args[1].(*big.Int)
	if !okTo || !okAmount {
		return common.Address{}, nil, false
	}
	return to, amount, true
}

func channelIDBytes(channelID string) ([32]byte, error) {
	var id [32]byte
	raw, err := hexutil.Decode(channelID)
	if err != nil || len(raw) != 32 {
		return id, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("channel id %q is not 32 hex bytes", channelID), nil)
	}
	copy(id[:], raw)
	return id, nil
}
