// Package entity contains the domain types for contract state history: interface
// descriptors, trace events and the time series built from them.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// integerType matches every signed and unsigned Solidity integer width.
var integerType = regexp.MustCompile(`^u?int[0-9]*$`)

// Param is one input or output of an interface entry.
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Entry is one element of a contract ABI.
type Entry struct {
	Type            string  `json:"type"`
	Name            string  `json:"name"`
	Inputs          []Param `json:"inputs"`
	Outputs         []Param `json:"outputs"`
	StateMutability string  `json:"stateMutability,omitempty"`
}

// IsObservable reports whether the entry is a zero-argument accessor with a
// single integer output.
func (e Entry) IsObservable() bool {
	return len(e.Inputs) == 0 &&
		len(e.Outputs) == 1 &&
		integerType.MatchString(e.Outputs[0].Type)
}

// InterfaceDescriptor is the interface of one contract as published by the
// registry. It is derived once per address and never changes afterwards.
type InterfaceDescriptor struct {
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
	Entries []Entry         `json:"entries"`
}

// NewInterfaceDescriptor parses raw ABI JSON into a descriptor.
func NewInterfaceDescriptor(address string, rawABI json.RawMessage) (*InterfaceDescriptor, error) {
	var entries []Entry
	if err := json.Unmarshal(rawABI, &entries); err != nil {
		return nil, fmt.Errorf("parsing ABI entries: %w", err)
	}
	return &InterfaceDescriptor{
		Address: address,
		ABI:     rawABI,
		Entries: entries,
	}, nil
}

// ObservableVariables returns the names of all observable entries, in
// descriptor order. Duplicate names are kept.
func (d *InterfaceDescriptor) ObservableVariables() []string {
	vars := make([]string, 0, len(d.Entries))
	for _, e := range d.Entries {
		if e.IsObservable() {
			vars = append(vars, e.Name)
		}
	}
	return vars
}

// HasObservable reports whether name is one of the observable variables.
func (d *InterfaceDescriptor) HasObservable(name string) bool {
	for _, e := range d.Entries {
		if e.Name == name && e.IsObservable() {
			return true
		}
	}
	return false
}

// ContractMetadata is the response for a single contract.
type ContractMetadata struct {
	Address   string          `json:"address"`
	Variables []string        `json:"variables"`
	ABI       json.RawMessage `json:"abi,omitempty"`
}

// ErrInvalidAddress is returned by NormalizeAddress for anything that is not
// a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// NormalizeAddress validates a hex address and returns its lowercase form, so
// that checksummed and plain spellings share one cache key.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
