package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// contractABI is the subset of the reward NFT contract this service calls.
const contractABI = `[
  {"type":"function","name":"safeMint","stateMutability":"nonpayable",
   "inputs":[
     {"name":"reward","type":"uint256"},
     {"name":"imageURI","type":"string"},
     {"name":"dopplegangerURI","type":"string"},
     {"name":"to","type":"address"}],
   "outputs":[]}
]`

const methodSafeMint = "safeMint"

// Default per-player getters. The deployed contract exposes its public
// mappings under their storage names.
const (
	DefaultReputationGetter = "reputation_score"
	DefaultRewardsGetter    = "rewards_earned"
)

var (
	parsedABI = mustParseABI(contractABI)

	addressType = mustType("address")
	uint256Type = mustType("uint256")
)

// viewMethod describes a getter(address) returns (uint256).
func viewMethod(name string) abi.Method {
	return abi.NewMethod(name, name, abi.Function, "view", true, false,
		abi.Arguments{{Name: "player", Type: addressType}},
		abi.Arguments{{Name: "", Type: uint256Type}})
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("ledger: abi type " + t + ": " + err.Error())
	}
	return typ
}

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("ledger: parse contract abi: " + err.Error())
	}
	return parsed
}
