package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/slyt3/strategist/internal/domain"
)

const vaultABIJSON = `[
	{"type":"function","name":"deposit","stateMutability":"payable",
	 "inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"update","stateMutability":"nonpayable",
	 "inputs":[{"name":"total","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"settle","stateMutability":"nonpayable",
	 "inputs":[{"name":"nonce","type":"uint256"},{"name":"proof","type":"bytes"},{"name":"inputs","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"totalAssets","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"recordedAssets","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pendingSettlement","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"positionOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	vaultABI = mustParse(vaultABIJSON)
	erc20ABI = mustParse(erc20ABIJSON)
)

// queryMethods maps domain state queries onto vault view functions.
var queryMethods = map[string]string{
	domain.QueryTotalAssets:       "totalAssets",
	domain.QueryRecordedAssets:    "recordedAssets",
	domain.QueryPendingSettlement: "pendingSettlement",
	domain.QueryPosition:          "positionOf",
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parsing embedded abi: %v", err))
	}
	return parsed
}

func unpackUint(parsed abi.ABI, method string, out []byte) (*big.Int, error) {
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpacking %s: expected one value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpacking %s: unexpected type %T", method, values[0])
	}
	return v, nil
}
