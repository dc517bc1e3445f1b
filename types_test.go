package taskarmy

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"swap":      KindSwap,
		"SWAP":      KindSwap,
		"Liquidity": KindLiquidity,
		"transfer":  KindTransfer,
		"faucet":    KindFaucet,
		"deploy":    KindDeploy,
		"checkin":   KindCheckIn,
		"check-in":  KindCheckIn,
		"Check_In":  KindCheckIn,
		" check in": KindCheckIn,
	}
	for name, want := range cases {
		got, err := ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseKind("bridge")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestExpandKinds(t *testing.T) {
	kinds, err := ExpandKinds([]string{"checkin", "swap", "Swap", "faucet"})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindSwap, KindFaucet, KindCheckIn}, kinds, "bulk order without duplicates")

	kinds, err = ExpandKinds([]string{"swap", "Run-All Tasks"})
	require.NoError(t, err)
	assert.Equal(t, AllKinds(), kinds)

	kinds, err = ExpandKinds(nil)
	require.NoError(t, err)
	assert.Empty(t, kinds)
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "CheckIn", KindCheckIn.String())
	assert.Equal(t, "checkin", KindCheckIn.HistoryType())
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestTaskOutcomeAndFingerprint(t *testing.T) {
	wallet := newTestWallet(t)
	task := Task{Kind: KindTransfer, Network: newTestNetwork(), Wallet: wallet}

	assert.Equal(t, "testnet/transfer/"+wallet.Address().Hex(), task.Fingerprint())

	out := task.outcome(StatusFailed, "nope")
	assert.Equal(t, KindTransfer, out.Kind)
	assert.Equal(t, "testnet", out.Network)
	assert.Equal(t, wallet.Address(), out.Wallet)
	assert.NotNil(t, out.Details)

	assert.Equal(t, "/swap/", Task{Kind: KindSwap}.Fingerprint())
}

func TestTokenDirection(t *testing.T) {
	both := Token{}
	in := Token{Direction: "in"}
	out := Token{Direction: "out"}

	assert.True(t, both.CanSwapFrom())
	assert.True(t, both.CanSwapTo())
	assert.False(t, in.CanSwapFrom())
	assert.True(t, in.CanSwapTo())
	assert.True(t, out.CanSwapFrom())
	assert.False(t, out.CanSwapTo())
}

func TestSettingsValidate(t *testing.T) {
	assert.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.Swap = SwapSettings{Mode: AmountFixedRandomUpper, Fixed: 2, Upper: 1}
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.Swap.Mode = "random"
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.Interval.Min = -1
	assert.Error(t, s.Validate())

	mode, err := ParseAmountMode("")
	require.NoError(t, err)
	assert.Equal(t, AmountPerToken, mode)
	_, err = ParseAmountMode("everything")
	assert.Error(t, err)
}

func TestSettingsHistoryDetails(t *testing.T) {
	s := DefaultSettings()
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	s.Transfer.Receiver = &receiver

	d := s.historyDetails()
	assert.Equal(t, "false", d["simulate"])
	assert.Equal(t, "per-token", d["amountMode"])
	assert.Equal(t, "0.000001", d["transferFixed"])
	assert.Equal(t, "30s", d["intervalMin"])
	assert.Equal(t, receiver.Hex(), d["receiver"])
}
