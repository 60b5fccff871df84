package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/config"
)

// EVMClient holds a connected ethclient.Client together with the deployment's
// registry addresses and parsed ABIs. It is the single point through which the
// SDK reads chain state and encodes state-changing operations.
type EVMClient struct {
	Client     *ethclient.Client
	Deployment config.Deployment

	JobRegistry     common.Address
	MemoRegistry    common.Address
	AccountRegistry common.Address
}

// InitEvm dials an EVM endpoint and binds the registry addresses for the given
// deployment. Returns a ready-to-use EVMClient or an error.
func InitEvm(deployment config.Deployment, endpoint string) (*EVMClient, error) {
	client, err := ethclient.Dial(endpoint)
	if err != nil {
		zap.L().Error("Failed to ethdial", zap.Error(err))
		return nil, err
	}

	evm := &EVMClient{
		Client:       client,
		Deployment:   deployment,
		JobRegistry:  common.HexToAddress(deployment.JobRegistryAddr),
		MemoRegistry: common.HexToAddress(deployment.MemoRegistryAddr),
	}
	if deployment.SupportsAccounts() {
		evm.AccountRegistry = common.HexToAddress(deployment.AccountRegistryAddr)
	}
	return evm, nil
}

// Close shuts down the underlying RPC connection.
func (evm *EVMClient) Close() {
	if evm.Client != nil {
		evm.Client.Close()
	}
}

// ChainID returns the deployment's chain identifier.
func (evm *EVMClient) ChainID() int64 {
	return evm.Deployment.ChainID
}

// call performs a read-only contract call and returns the raw result.
func (evm *EVMClient) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return evm.Client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// TokenDecimals reads the decimals() value of an ERC-20 token. The settlement
// token's decimals come from configuration without a chain round trip.
func (evm *EVMClient) TokenDecimals(ctx context.Context, token common.Address) (int32, error) {
	if token == common.HexToAddress(evm.Deployment.SettlementToken) {
		return evm.Deployment.SettlementTokenDecimals, nil
	}

	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	raw, err := evm.call(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("read decimals of %s: %w", token.Hex(), err)
	}
	out, err := erc20ABI.Unpack("decimals", raw)
	if err != nil {
		return 0, err
	}
	return int32(out[0].(uint8)), nil
}

// BalanceOf reads the ERC-20 balance of holder.
func (evm *EVMClient) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	raw, err := evm.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("read balance of %s: %w", holder.Hex(), err)
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// IsJobPaid reads the job registry's payment-received flag for a job. The
// x402 settlement poll loops on this until it flips or the budget runs out.
func (evm *EVMClient) IsJobPaid(ctx context.Context, jobID *big.Int) (bool, error) {
	data, err := jobRegistryABI.Pack("isJobPaid", jobID)
	if err != nil {
		return false, err
	}
	raw, err := evm.call(ctx, evm.JobRegistry, data)
	if err != nil {
		return false, fmt.Errorf("read payment flag for job %s: %w", jobID, err)
	}
	out, err := jobRegistryABI.Unpack("isJobPaid", raw)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// AssetManager discovers the registry's asset-manager contract, used by the
// cross-chain delivery path to approve allowances on the destination chain.
func (evm *EVMClient) AssetManager(ctx context.Context) (common.Address, error) {
	data, err := jobRegistryABI.Pack("assetManager")
	if err != nil {
		return common.Address{}, err
	}
	raw, err := evm.call(ctx, evm.JobRegistry, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("read asset manager: %w", err)
	}
	out, err := jobRegistryABI.Unpack("assetManager", raw)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}
