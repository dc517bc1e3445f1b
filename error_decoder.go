package taskarmy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
)

// Error(string) and Panic(uint256) plus the OpenZeppelin ERC-20 custom errors
const revertErrorsABIJSON = `[
	{"type":"error","name":"Error","inputs":[{"name":"message","type":"string"}]},
	{"type":"error","name":"Panic","inputs":[{"name":"code","type":"uint256"}]},
	{"type":"error","name":"ERC20InsufficientBalance","inputs":[{"name":"sender","type":"address"},{"name":"balance","type":"uint256"},{"name":"needed","type":"uint256"}]},
	{"type":"error","name":"ERC20InsufficientAllowance","inputs":[{"name":"spender","type":"address"},{"name":"allowance","type":"uint256"},{"name":"needed","type":"uint256"}]},
	{"type":"error","name":"ERC20InvalidReceiver","inputs":[{"name":"receiver","type":"address"}]}
]`

var revertErrorsABI = mustParseABI(revertErrorsABIJSON)

// ErrorDecoder maps the revert data carried by an RPC error to the Solidity error that
// produced it.
type ErrorDecoder struct {
	errorBySelector map[[4]byte]abi.Error
}

// NewErrorDecoder indexes the errors of every given ABI by selector. Later ABIs win on
// selector clashes.
func NewErrorDecoder(abis ...abi.ABI) (*ErrorDecoder, error) {
	if len(abis) == 0 {
		return nil, fmt.Errorf("at least one ABI must be provided")
	}
	d := &ErrorDecoder{errorBySelector: map[[4]byte]abi.Error{}}
	for _, a := range abis {
		for _, e := range a.Errors {
			var selector [4]byte
			copy(selector[:], e.ID[:4])
			d.errorBySelector[selector] = e
		}
	}
	return d, nil
}

// Decode returns the matched error and its arguments. The returned error always wraps err.
// On an unpack failure the matched error is returned with nil arguments.
func (d *ErrorDecoder) Decode(err error) (*abi.Error, []any, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, nil, fmt.Errorf("not a Solidity custom error: %w", err)
	}
	raw := dataErr.ErrorData()
	if raw == nil {
		return nil, nil, fmt.Errorf("no error data: %w", err)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, nil, fmt.Errorf("error data is not string (%T): %w", raw, err)
	}
	data, decodeErr := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if decodeErr != nil {
		return nil, nil, fmt.Errorf("failed to decode error data %q: %w", str, err)
	}
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("invalid error data length %d: %w", len(data), err)
	}

	var selector [4]byte
	copy(selector[:], data[:4])
	abiErr, ok := d.errorBySelector[selector]
	if !ok {
		return nil, nil, fmt.Errorf("unknown error: 0x%x: %w", data[:4], err)
	}

	unpacked, unpackErr := abiErr.Unpack(data)
	if unpackErr != nil {
		return &abiErr, nil, fmt.Errorf("failed to unpack error selector %s: %w: %w", abiErr.Name, unpackErr, err)
	}
	params, _ := unpacked.([]any)
	if params == nil {
		params = []any{}
	}
	return &abiErr, params, fmt.Errorf("contract error: %s%s: %w", abiErr.Name, formatErrorArgs(params), err)
}

func formatErrorArgs(params []any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		if s, ok := p.(string); ok {
			parts[i] = fmt.Sprintf("%q", s)
			continue
		}
		parts[i] = fmt.Sprint(p)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// explain returns the decoded form of err when its revert data is recognised, err otherwise
func (d *ErrorDecoder) explain(err error) error {
	if d == nil || err == nil {
		return err
	}
	abiErr, params, decoded := d.Decode(err)
	if abiErr == nil || params == nil {
		return err
	}
	return decoded
}
