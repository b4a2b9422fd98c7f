// Package chain wraps every contract read the scanner performs: the oracle's
// epoch-indexed poll registry, the market factory, AMM and pari-mutuel
// markets, ERC-20 outcome and collateral tokens, and the Multicall3
// aggregator that batches them.
//
// Nothing here signs or sends transactions. All calls are eth_call against
// the latest block, paced by a token bucket.
package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// pollTupleABI is the oracle's poll record, shared by both lookup methods.
const pollTupleABI = `{"name":"polls","type":"tuple[]","components":[
	{"name":"pollAddress","type":"address"},
	{"name":"question","type":"string"},
	{"name":"rules","type":"string"},
	{"name":"sources","type":"string[]"},
	{"name":"deadlineEpoch","type":"uint32"},
	{"name":"finalizationEpoch","type":"uint32"},
	{"name":"checkEpoch","type":"uint32"},
	{"name":"creator","type":"address"},
	{"name":"arbiter","type":"address"},
	{"name":"status","type":"uint8"},
	{"name":"category","type":"uint8"},
	{"name":"resolutionReason","type":"string"}
]}`

const oracleABIJSON = `[{
	"name":"getPollsByEpochRange",
	"type":"function",
	"stateMutability":"view",
	"inputs":[
		{"name":"fromEpoch","type":"uint32"},
		{"name":"toEpoch","type":"uint32"},
		{"name":"statusFilter","type":"uint8"},
		{"name":"typeFilter","type":"uint8"},
		{"name":"maxResults","type":"uint256"},
		{"name":"startIndex","type":"uint256"}
	],
	"outputs":[
		` + pollTupleABI + `,
		{"name":"nextEpoch","type":"uint32"},
		{"name":"nextIndex","type":"uint256"}
	]
},{
	"name":"getPollsByEpochs",
	"type":"function",
	"stateMutability":"view",
	"inputs":[
		{"name":"epochs","type":"uint32[]"},
		{"name":"statusFilter","type":"uint8"},
		{"name":"typeFilter","type":"uint8"},
		{"name":"maxResults","type":"uint256"}
	],
	"outputs":[` + pollTupleABI + `]
}]`

const pollABIJSON = `[{
	"name":"getFinalizedStatus",
	"type":"function",
	"stateMutability":"view",
	"inputs":[],
	"outputs":[
		{"name":"isFinalized","type":"bool"},
		{"name":"status","type":"uint8"}
	]
}]`

const factoryABIJSON = `[{
	"name":"getPollMarkets",
	"type":"function",
	"stateMutability":"view",
	"inputs":[{"name":"poll","type":"address"}],
	"outputs":[
		{"name":"amm","type":"address"},
		{"name":"pariMutuel","type":"address"}
	]
}]`

// marketABIJSON covers both market kinds: marketState is common, the token
// getters are AMM-only and getPosition is pari-mutuel-only.
const marketABIJSON = `[{
	"name":"marketState",
	"type":"function",
	"stateMutability":"view",
	"inputs":[],
	"outputs":[
		{"name":"isLive","type":"bool"},
		{"name":"collateralTvl","type":"uint256"},
		{"name":"yesChance","type":"uint256"},
		{"name":"collateralToken","type":"address"}
	]
},{
	"name":"yesToken",
	"type":"function",
	"stateMutability":"view",
	"inputs":[],
	"outputs":[{"name":"","type":"address"}]
},{
	"name":"noToken",
	"type":"function",
	"stateMutability":"view",
	"inputs":[],
	"outputs":[{"name":"","type":"address"}]
},{
	"name":"totalSupply",
	"type":"function",
	"stateMutability":"view",
	"inputs":[],
	"outputs":[{"name":"","type":"uint256"}]
},{
	"name":"balanceOf",
	"type":"function",
	"stateMutability":"view",
	"inputs":[{"name":"owner","type":"address"}],
	"outputs":[{"name":"","type":"uint256"}]
},{
	"name":"getPosition",
	"type":"function",
	"stateMutability":"view",
	"inputs":[{"name":"user","type":"address"}],
	"outputs":[
		{"name":"yesStake","type":"uint256"},
		{"name":"noStake","type":"uint256"},
		{"name":"claimed","type":"bool"}
	]
}]`

const erc20ABIJSON = `[{
	"name":"balanceOf",
	"type":"function",
	"stateMutability":"view",
	"inputs":[{"name":"owner","type":"address"}],
	"outputs":[{"name":"","type":"uint256"}]
},{
	"name":"allowance",
	"type":"function",
	"stateMutability":"view",
	"inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}
	],
	"outputs":[{"name":"","type":"uint256"}]
},{
	"name":"decimals",
	"type":"function",
	"stateMutability":"view",
	"inputs":[],
	"outputs":[{"name":"","type":"uint8"}]
}]`

const multicallABIJSON = `[{
	"name":"aggregate3",
	"type":"function",
	"stateMutability":"payable",
	"inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},
		{"name":"allowFailure","type":"bool"},
		{"name":"callData","type":"bytes"}
	]}],
	"outputs":[{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},
		{"name":"returnData","type":"bytes"}
	]}]
}]`

var (
	oracleABI    = mustParseABI("oracle", oracleABIJSON)
	pollABI      = mustParseABI("poll", pollABIJSON)
	factoryABI   = mustParseABI("factory", factoryABIJSON)
	marketABI    = mustParseABI("market", marketABIJSON)
	erc20ABI     = mustParseABI("erc20", erc20ABIJSON)
	multicallABI = mustParseABI("multicall3", multicallABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}
