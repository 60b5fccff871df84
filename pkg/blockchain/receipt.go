package blockchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ResolveCreatedJobID extracts the identifier of the job created for the given
// client/provider pair from a settled bundle receipt. It filters the emitted
// logs down to the job registry's JobCreated events and requires an exact
// party match; absence of a match is a hard failure, never inferred.
func (evm *EVMClient) ResolveCreatedJobID(receipt *types.Receipt, client, provider common.Address) (*big.Int, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}

	for _, log := range receipt.Logs {
		if log.Address != evm.JobRegistry {
			continue
		}
		if len(log.Topics) != 4 || log.Topics[0] != jobCreatedTopic {
			continue
		}

		jobID := new(big.Int).SetBytes(log.Topics[1].Bytes())
		logClient := common.BytesToAddress(log.Topics[2].Bytes())
		logProvider := common.BytesToAddress(log.Topics[3].Bytes())

		if logClient == client && logProvider == provider {
			return jobID, nil
		}
	}

	return nil, fmt.Errorf("no JobCreated event for client %s and provider %s in receipt %s",
		client.Hex(), provider.Hex(), receipt.TxHash.Hex())
}
