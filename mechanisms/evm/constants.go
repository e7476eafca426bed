package evm

import (
	"math/big"
)

const (
	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// Default validity period for time-bound transactions
	DefaultValidityPeriod = 300 // seconds

	// EIP-712 domain of channel balance updates
	ChannelDomainName    = "PaycoreChannel"
	ChannelDomainVersion = "1"

	// PrimaryTypeBalanceUpdate is the EIP-712 primary type of a balance update.
	PrimaryTypeBalanceUpdate = "BalanceUpdate"

	// Escrow contract functions
	FunctionEscrowOpen     = "open"
	FunctionEscrowSettle   = "settle"
	FunctionEscrowDispute  = "dispute"
	FunctionEscrowFinalize = "finalize"

	// ERC-20
	FunctionTransfer = "transfer"

	// Gas floor of a plain value transfer
	MinTransferGas = 21000
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// ZeroAddress is used as verifying contract when no escrow is configured.
	ZeroAddress = "0x0000000000000000000000000000000000000000"

	// NetworkChainIDs maps CAIP-2 identifiers to chain IDs.
	NetworkChainIDs = map[string]*big.Int{
		"eip155:8453":  ChainIDBase,
		"eip155:84532": ChainIDBaseSepolia,
	}

	// EscrowABI is the two-party channel escrow the ledger client calls.
	EscrowABI = []byte(`[
		{
			"inputs": [
				{"name": "counterparty", "type": "address"}
			],
			"name": "open",
			"outputs": [],
			"stateMutability": "payable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "channelId", "type": "bytes32"},
				{"name": "balanceA", "type": "uint256"},
				{"name": "balanceB", "type": "uint256"},
				{"name": "sequence", "type": "uint64"},
				{"name": "sigA", "type": "bytes"},
				{"name": "sigB", "type": "bytes"}
			],
			"name": "settle",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "channelId", "type": "bytes32"},
				{"name": "balanceA", "type": "uint256"},
				{"name": "balanceB", "type": "uint256"},
				{"name": "sequence", "type": "uint64"},
				{"name": "sigA", "type": "bytes"},
				{"name": "sigB", "type": "bytes"}
			],
			"name": "dispute",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "channelId", "type": "bytes32"}
			],
			"name": "finalize",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20TransferABI is the subset of ERC-20 needed for token payments.
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)
