package blockchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs for the Agora registries and the ERC-20 surface the SDK
// touches. Embedded as JSON so the SDK has no build-time dependency on
// generated bindings.
const (
	jobRegistryABIJSON = `[
	{"type":"function","name":"createJob","inputs":[{"name":"provider","type":"address"},{"name":"evaluator","type":"address"},{"name":"expiredAt","type":"uint256"}],"outputs":[{"name":"jobId","type":"uint256"}]},
	{"type":"function","name":"createJobWithAccount","inputs":[{"name":"accountId","type":"uint256"},{"name":"provider","type":"address"},{"name":"evaluator","type":"address"},{"name":"expiredAt","type":"uint256"}],"outputs":[{"name":"jobId","type":"uint256"}]},
	{"type":"function","name":"setBudget","inputs":[{"name":"jobId","type":"uint256"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"executeBatch","inputs":[{"name":"nonceKey","type":"uint256"},{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}],"outputs":[]},
	{"type":"function","name":"isJobPaid","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
	{"type":"function","name":"assetManager","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
	{"type":"event","name":"JobCreated","inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"client","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true}]}
]`

	memoRegistryABIJSON = `[
	{"type":"function","name":"createMemo","inputs":[{"name":"jobId","type":"uint256"},{"name":"memoType","type":"uint8"},{"name":"content","type":"string"},{"name":"nextPhase","type":"uint8"},{"name":"expiredAt","type":"uint256"}],"outputs":[{"name":"memoId","type":"uint256"}]},
	{"type":"function","name":"createPayableMemo","inputs":[{"name":"jobId","type":"uint256"},{"name":"memoType","type":"uint8"},{"name":"content","type":"string"},{"name":"nextPhase","type":"uint8"},{"name":"expiredAt","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"feeAmount","type":"uint256"},{"name":"feeType","type":"uint8"},{"name":"token","type":"address"}],"outputs":[{"name":"memoId","type":"uint256"}]},
	{"type":"function","name":"createCrossChainPayableMemo","inputs":[{"name":"jobId","type":"uint256"},{"name":"content","type":"string"},{"name":"nextPhase","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"},{"name":"token","type":"address"},{"name":"routeId","type":"bytes32"}],"outputs":[{"name":"memoId","type":"uint256"}]},
	{"type":"function","name":"signMemo","inputs":[{"name":"memoId","type":"uint256"},{"name":"approved","type":"bool"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"registerPaymentNonce","inputs":[{"name":"jobId","type":"uint256"},{"name":"nonce","type":"bytes32"}],"outputs":[]}
]`

	accountRegistryABIJSON = `[
	{"type":"function","name":"createAccount","inputs":[{"name":"provider","type":"address"},{"name":"metadata","type":"string"}],"outputs":[{"name":"accountId","type":"uint256"}]},
	{"type":"function","name":"updateAccount","inputs":[{"name":"accountId","type":"uint256"},{"name":"metadata","type":"string"}],"outputs":[]}
]`

	erc20ABIJSON = `[
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"decimals","inputs":[],"outputs":[{"name":"","type":"uint8"}],"stateMutability":"view"},
	{"type":"function","name":"transferWithAuthorization","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]}
]`
)

var (
	jobRegistryABI     = mustParseABI(jobRegistryABIJSON)
	memoRegistryABI    = mustParseABI(memoRegistryABIJSON)
	accountRegistryABI = mustParseABI(accountRegistryABIJSON)
	erc20ABI           = mustParseABI(erc20ABIJSON)

	// jobCreatedTopic is the topic0 of the JobCreated event.
	jobCreatedTopic = jobRegistryABI.Events["JobCreated"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
