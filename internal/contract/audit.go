// Package contract provides the smart contract ABI binding for the BTCBotAudit
// contract deployed on Polygon PoS. The binding is hand-written from the
// contract ABI and provides type-safe methods for packing calldata, reading
// contract state and parsing emitted events.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// Audit contract errors
var (
	ErrAuditContractNotDeployed = errors.New("audit contract not deployed")
	ErrZeroHash                 = errors.New("zero hash")
	ErrNotEnoughTopics          = errors.New("not enough topics in log")
)

// AuditABI is the ABI of the BTCBotAudit smart contract.
// This matches the Solidity contract interface:
//
//	function commit(uint256 betId, bytes32 commitHash) external;
//	function resolve(uint256 betId, bytes32 resolveHash, bool won) external;
//	function getCommit(uint256 betId) external view returns (bytes32);
//	function getResolve(uint256 betId) external view returns (bytes32, bool);
//	function isCommitted(uint256 betId) external view returns (bool);
//	function isResolved(uint256 betId) external view returns (bool);
//	function owner() external view returns (address);
//	function transferOwnership(address newOwner) external;
//	event Committed(uint256 indexed betId, bytes32 commitHash, uint256 timestamp);
//	event Resolved(uint256 indexed betId, bytes32 resolveHash, bool won, uint256 timestamp);
//	event OwnershipTransferred(address indexed previousOwner, address indexed newOwner);
const AuditABI = `[
	{
		"type": "function",
		"name": "commit",
		"inputs": [
			{"name": "betId", "type": "uint256"},
			{"name": "commitHash", "type": "bytes32"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "resolve",
		"inputs": [
			{"name": "betId", "type": "uint256"},
			{"name": "resolveHash", "type": "bytes32"},
			{"name": "won", "type": "bool"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getCommit",
		"inputs": [
			{"name": "betId", "type": "uint256"}
		],
		"outputs": [
			{"name": "", "type": "bytes32"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getResolve",
		"inputs": [
			{"name": "betId", "type": "uint256"}
		],
		"outputs": [
			{"name": "resolveHash", "type": "bytes32"},
			{"name": "won", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "isCommitted",
		"inputs": [
			{"name": "betId", "type": "uint256"}
		],
		"outputs": [
			{"name": "", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "isResolved",
		"inputs": [
			{"name": "betId", "type": "uint256"}
		],
		"outputs": [
			{"name": "", "type": "bool"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "owner",
		"inputs": [],
		"outputs": [
			{"name": "", "type": "address"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "transferOwnership",
		"inputs": [
			{"name": "newOwner", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "Committed",
		"inputs": [
			{"name": "betId", "type": "uint256", "indexed": true},
			{"name": "commitHash", "type": "bytes32", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Resolved",
		"inputs": [
			{"name": "betId", "type": "uint256", "indexed": true},
			{"name": "resolveHash", "type": "bytes32", "indexed": false},
			{"name": "won", "type": "bool", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "OwnershipTransferred",
		"inputs": [
			{"name": "previousOwner", "type": "address", "indexed": true},
			{"name": "newOwner", "type": "address", "indexed": true}
		]
	}
]`

// ResolveEntry is the on-chain resolve record for a bet.
type ResolveEntry struct {
	ResolveHash [32]byte `json:"resolveHash"`
	Won         bool     `json:"won"`
}

// CommittedEvent represents the Committed event from the contract.
type CommittedEvent struct {
	BetID      *big.Int `json:"betId"`
	CommitHash [32]byte `json:"commitHash"`
	Timestamp  *big.Int `json:"timestamp"`
	Raw        types.Log
}

// ResolvedEvent represents the Resolved event from the contract.
type ResolvedEvent struct {
	BetID       *big.Int `json:"betId"`
	ResolveHash [32]byte `json:"resolveHash"`
	Won         bool     `json:"won"`
	Timestamp   *big.Int `json:"timestamp"`
	Raw         types.Log
}

// OwnershipTransferredEvent represents the OwnershipTransferred event.
type OwnershipTransferredEvent struct {
	PreviousOwner common.Address `json:"previousOwner"`
	NewOwner      common.Address `json:"newOwner"`
	Raw           types.Log
}

// AuditContract provides methods to interact with the BTCBotAudit contract.
type AuditContract struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller
	backend bind.ContractBackend
}

// NewAuditContract creates a new BTCBotAudit contract instance.
func NewAuditContract(address common.Address, backend bind.ContractBackend) (*AuditContract, error) {
	parsed, err := abi.JSON(strings.NewReader(AuditABI))
	if err != nil {
		return nil, err
	}

	return &AuditContract{
		address: address,
		abi:     parsed,
		backend: backend,
		caller:  backend,
	}, nil
}

// Address returns the contract address.
func (c *AuditContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *AuditContract) ABI() abi.ABI {
	return c.abi
}

// PackCommit packs the commit function call data.
func (c *AuditContract) PackCommit(betID *big.Int, commitHash [32]byte) ([]byte, error) {
	if commitHash == ([32]byte{}) {
		return nil, ErrZeroHash
	}
	return c.abi.Pack("commit", betID, commitHash)
}

// PackResolve packs the resolve function call data.
func (c *AuditContract) PackResolve(betID *big.Int, resolveHash [32]byte, won bool) ([]byte, error) {
	if resolveHash == ([32]byte{}) {
		return nil, ErrZeroHash
	}
	return c.abi.Pack("resolve", betID, resolveHash, won)
}

// PackTransferOwnership packs the transferOwnership function call data.
func (c *AuditContract) PackTransferOwnership(newOwner common.Address) ([]byte, error) {
	return c.abi.Pack("transferOwnership", newOwner)
}

// GetCommit queries the on-chain commit hash for a bet. Returns the zero hash
// if the bet has never been committed.
func (c *AuditContract) GetCommit(ctx context.Context, betID *big.Int) ([32]byte, error) {
	var out [32]byte
	data, err := c.abi.Pack("getCommit", betID)
	if err != nil {
		return out, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return out, err
	}

	values, err := c.abi.Unpack("getCommit", result)
	if err != nil {
		return out, err
	}
	out = *abi.ConvertType(values[0], new([32]byte)).(*[32]byte)
	return out, nil
}

// GetResolve queries the on-chain resolve entry for a bet. Returns a
// zero-valued entry if the bet has never been resolved.
func (c *AuditContract) GetResolve(ctx context.Context, betID *big.Int) (*ResolveEntry, error) {
	data, err := c.abi.Pack("getResolve", betID)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var entry ResolveEntry
	err = c.abi.UnpackIntoInterface(&entry, "getResolve", result)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// IsCommitted reports whether a bet has a commit entry on-chain.
func (c *AuditContract) IsCommitted(ctx context.Context, betID *big.Int) (bool, error) {
	return c.callBool(ctx, "isCommitted", betID)
}

// IsResolved reports whether a bet has a resolve entry on-chain.
func (c *AuditContract) IsResolved(ctx context.Context, betID *big.Int) (bool, error) {
	return c.callBool(ctx, "isResolved", betID)
}

func (c *AuditContract) callBool(ctx context.Context, method string, betID *big.Int) (bool, error) {
	data, err := c.abi.Pack(method, betID)
	if err != nil {
		return false, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return false, err
	}

	values, err := c.abi.Unpack(method, result)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(values[0], new(bool)).(*bool), nil
}

// Owner queries the current contract owner.
func (c *AuditContract) Owner(ctx context.Context) (common.Address, error) {
	data, err := c.abi.Pack("owner")
	if err != nil {
		return common.Address{}, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return common.Address{}, err
	}

	values, err := c.abi.Unpack("owner", result)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(values[0], new(common.Address)).(*common.Address), nil
}

// EstimateGas estimates the gas required for the given packed calldata.
func (c *AuditContract) EstimateGas(ctx context.Context, from common.Address, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: data,
	}
	return c.backend.EstimateGas(ctx, msg)
}

// ParseCommitted parses a Committed event from a log.
func (c *AuditContract) ParseCommitted(log types.Log) (*CommittedEvent, error) {
	event := &CommittedEvent{}
	event.Raw = log

	// Parse indexed fields from topics
	if len(log.Topics) < 2 {
		return nil, ErrNotEnoughTopics
	}
	event.BetID = new(big.Int).SetBytes(log.Topics[1].Bytes())

	// Parse non-indexed fields from data
	err := c.abi.UnpackIntoInterface(event, "Committed", log.Data)
	if err != nil {
		return nil, err
	}

	return event, nil
}

// ParseResolved parses a Resolved event from a log.
func (c *AuditContract) ParseResolved(log types.Log) (*ResolvedEvent, error) {
	event := &ResolvedEvent{}
	event.Raw = log

	// Parse indexed fields from topics
	if len(log.Topics) < 2 {
		return nil, ErrNotEnoughTopics
	}
	event.BetID = new(big.Int).SetBytes(log.Topics[1].Bytes())

	// Parse non-indexed fields from data
	err := c.abi.UnpackIntoInterface(event, "Resolved", log.Data)
	if err != nil {
		return nil, err
	}

	return event, nil
}

// ParseOwnershipTransferred parses an OwnershipTransferred event from a log.
func (c *AuditContract) ParseOwnershipTransferred(log types.Log) (*OwnershipTransferredEvent, error) {
	event := &OwnershipTransferredEvent{}
	event.Raw = log

	// Both fields are indexed, so everything comes from topics
	if len(log.Topics) < 3 {
		return nil, ErrNotEnoughTopics
	}
	event.PreviousOwner = common.BytesToAddress(log.Topics[1].Bytes())
	event.NewOwner = common.BytesToAddress(log.Topics[2].Bytes())

	return event, nil
}

// CommittedEventTopic returns the topic for Committed events.
func (c *AuditContract) CommittedEventTopic() common.Hash {
	return c.abi.Events["Committed"].ID
}

// ResolvedEventTopic returns the topic for Resolved events.
func (c *AuditContract) ResolvedEventTopic() common.Hash {
	return c.abi.Events["Resolved"].ID
}

// OwnershipTransferredEventTopic returns the topic for OwnershipTransferred events.
func (c *AuditContract) OwnershipTransferredEventTopic() common.Hash {
	return c.abi.Events["OwnershipTransferred"].ID
}

// WatchCommitted watches for Committed events, optionally filtered by bet ID.
func (c *AuditContract) WatchCommitted(
	ctx context.Context,
	sink chan<- *CommittedEvent,
	betIDs []*big.Int,
) (event.Subscription, error) {
	topics := [][]common.Hash{{c.CommittedEventTopic()}}

	if len(betIDs) > 0 {
		betIDTopics := make([]common.Hash, len(betIDs))
		for i, id := range betIDs {
			betIDTopics[i] = common.BigToHash(id)
		}
		topics = append(topics, betIDTopics)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    topics,
	}

	logs := make(chan types.Log)
	sub, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case log := <-logs:
				event, err := c.ParseCommitted(log)
				if err == nil {
					sink <- event
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// WatchResolved watches for Resolved events, optionally filtered by bet ID.
func (c *AuditContract) WatchResolved(
	ctx context.Context,
	sink chan<- *ResolvedEvent,
	betIDs []*big.Int,
) (event.Subscription, error) {
	topics := [][]common.Hash{{c.ResolvedEventTopic()}}

	if len(betIDs) > 0 {
		betIDTopics := make([]common.Hash, len(betIDs))
		for i, id := range betIDs {
			betIDTopics[i] = common.BigToHash(id)
		}
		topics = append(topics, betIDTopics)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    topics,
	}

	logs := make(chan types.Log)
	sub, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case log := <-logs:
				event, err := c.ParseResolved(log)
				if err == nil {
					sink <- event
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}
