package taskarmy

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// revertError mimics the rpc.DataError returned by eth_estimateGas on a revert
type revertError struct {
	data    any
	message string
}

func (e *revertError) Error() string  { return e.message }
func (e *revertError) ErrorData() any { return e.data }

func word(n int64) string {
	return hex.EncodeToString(common.LeftPadBytes(big.NewInt(n).Bytes(), 32))
}

func selectorHex(a abi.ABI, name string) string {
	return hex.EncodeToString(a.Errors[name].ID[:4])
}

func deployABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(`[
		{"type":"error","name":"AlreadyDeployed","inputs":[]},
		{"type":"error","name":"Cooldown","inputs":[{"name":"until","type":"uint256"}]}
	]`))
	require.NoError(t, err)
	return parsed
}

func TestNewErrorDecoder(t *testing.T) {
	_, err := NewErrorDecoder()
	assert.ErrorContains(t, err, "at least one ABI")

	d, err := NewErrorDecoder(revertErrorsABI, deployABI(t))
	require.NoError(t, err)
	assert.Len(t, d.errorBySelector, len(revertErrorsABI.Errors)+2)

	d, err = NewErrorDecoder(abi.ABI{})
	require.NoError(t, err)
	assert.Empty(t, d.errorBySelector)
}

func TestErrorDecoderRejectsUndecodableErrors(t *testing.T) {
	d, err := NewErrorDecoder(revertErrorsABI)
	require.NoError(t, err)

	plain := errors.New("connection reset")
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"not a data error", plain, "not a Solidity custom error"},
		{"nil data", &revertError{message: "execution reverted"}, "no error data"},
		{"non string data", &revertError{data: 42, message: "execution reverted"}, "error data is not string"},
		{"bad hex", &revertError{data: "0xzz", message: "execution reverted"}, "failed to decode error data"},
		{"short data", &revertError{data: "0x0102", message: "execution reverted"}, "invalid error data length"},
		{"unknown selector", &revertError{data: "0xdeadbeef", message: "execution reverted"}, "unknown error: 0xdeadbeef"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			abiErr, params, got := d.Decode(tc.err)
			assert.Nil(t, abiErr)
			assert.Nil(t, params)
			assert.ErrorContains(t, got, tc.want)
			assert.ErrorIs(t, got, tc.err)
			assert.Same(t, tc.err, d.explain(tc.err), "undecodable errors are kept as is")
		})
	}
}

func TestErrorDecoderDecodesRevertString(t *testing.T) {
	d, err := NewErrorDecoder(revertErrorsABI)
	require.NoError(t, err)

	packed, err := revertErrorsABI.Errors["Error"].Inputs.Pack("UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT")
	require.NoError(t, err)
	data := "0x" + selectorHex(revertErrorsABI, "Error") + hex.EncodeToString(packed)
	assert.True(t, strings.HasPrefix(data, "0x08c379a0"))

	src := &revertError{data: data, message: "execution reverted"}
	abiErr, params, got := d.Decode(src)
	require.NotNil(t, abiErr)
	assert.Equal(t, "Error", abiErr.Name)
	assert.Equal(t, []any{"UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT"}, params)
	assert.ErrorContains(t, got, `contract error: Error("UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT")`)
	assert.ErrorIs(t, got, src)
}

func TestErrorDecoderDecodesCustomErrors(t *testing.T) {
	custom := deployABI(t)
	d, err := NewErrorDecoder(revertErrorsABI, custom)
	require.NoError(t, err)

	t.Run("with arguments and no hex prefix", func(t *testing.T) {
		holder := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
		data := selectorHex(revertErrorsABI, "ERC20InsufficientBalance") +
			hex.EncodeToString(common.LeftPadBytes(holder.Bytes(), 32)) + word(100) + word(200)

		abiErr, params, got := d.Decode(&revertError{data: data, message: "execution reverted"})
		require.NotNil(t, abiErr)
		assert.Equal(t, "ERC20InsufficientBalance", abiErr.Name)
		require.Len(t, params, 3)
		assert.Equal(t, holder, params[0])
		assert.Zero(t, big.NewInt(200).Cmp(params[2].(*big.Int)))
		assert.ErrorContains(t, got, "contract error: ERC20InsufficientBalance(")
	})

	t.Run("without arguments", func(t *testing.T) {
		abiErr, params, got := d.Decode(&revertError{data: "0x" + selectorHex(custom, "AlreadyDeployed"), message: "execution reverted"})
		require.NotNil(t, abiErr)
		assert.Equal(t, "AlreadyDeployed", abiErr.Name)
		assert.NotNil(t, params)
		assert.Empty(t, params)
		assert.ErrorContains(t, got, "contract error: AlreadyDeployed()")
	})

	t.Run("truncated arguments", func(t *testing.T) {
		abiErr, params, got := d.Decode(&revertError{data: "0x" + selectorHex(custom, "Cooldown") + "00000000", message: "execution reverted"})
		require.NotNil(t, abiErr)
		assert.Equal(t, "Cooldown", abiErr.Name)
		assert.Nil(t, params)
		assert.ErrorContains(t, got, "failed to unpack error selector Cooldown")
	})
}

func TestDeployReportsDecodedRevert(t *testing.T) {
	custom := deployABI(t)
	s := newTestSetup(t, WithRevertABIs(custom))
	s.Client.EstimateGasFn = func(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
		return 0, &revertError{data: "0x" + selectorHex(custom, "AlreadyDeployed"), message: "execution reverted"}
	}

	out := s.Executor.Execute(context.Background(), s.task(KindDeploy), s.Conn)
	assert.Equal(t, StatusError, out.Status)
	assert.Contains(t, out.Reason, "estimate gas failed: contract error: AlreadyDeployed()")
	assert.Empty(t, s.Client.sentTxs())
}
