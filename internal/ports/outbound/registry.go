package outbound

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// InterfaceRegistry publishes verified contract interfaces.
type InterfaceRegistry interface {
	// GetABI returns the raw ABI JSON array of the contract at address.
	GetABI(ctx context.Context, address common.Address) (json.RawMessage, error)
}
