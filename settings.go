package taskarmy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AmountMode selects how the swap trial amount is computed
type AmountMode string

const (
	// AmountFixed always uses SwapSettings.Fixed
	AmountFixed AmountMode = "fixed"
	// AmountFixedRandomUpper draws uniformly in [Fixed, Upper]
	AmountFixedRandomUpper AmountMode = "fixed-random-upper"
	// AmountPerToken draws uniformly in [token.Min, token.Max]
	AmountPerToken AmountMode = "per-token"
)

// ParseAmountMode accepts the mode names above, empty means AmountPerToken
func ParseAmountMode(s string) (AmountMode, error) {
	switch AmountMode(s) {
	case "":
		return AmountPerToken, nil
	case AmountFixed, AmountFixedRandomUpper, AmountPerToken:
		return AmountMode(s), nil
	}
	return "", fmt.Errorf("unknown amount mode %q", s)
}

type SwapSettings struct {
	Mode  AmountMode
	Fixed float64
	Upper float64
}

type TransferSettings struct {
	Receiver *common.Address
	// Fixed amount in native units, used when Max is not above Min
	Fixed float64
	Min   float64
	Max   float64
}

// IntervalSettings is the wait applied after each fan-out attempt.
// A Max above Min draws uniformly in [Min, Max], otherwise Fixed is used.
type IntervalSettings struct {
	Fixed time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Settings are the user adjustable knobs of a run.
type Settings struct {
	Simulate bool
	Swap     SwapSettings
	Transfer TransferSettings
	Interval IntervalSettings
}

// DefaultSettings returns per-token swap amounts, the default micro transfer and a
// 30 to 60 seconds interval.
func DefaultSettings() Settings {
	return Settings{
		Swap: SwapSettings{
			Mode: AmountPerToken,
		},
		Transfer: TransferSettings{
			Fixed: DefaultTransferAmount,
		},
		Interval: IntervalSettings{
			Min: 30 * time.Second,
			Max: 60 * time.Second,
		},
	}
}

// Validate checks amounts and interval bounds
func (s Settings) Validate() error {
	switch s.Swap.Mode {
	case AmountFixed:
		if s.Swap.Fixed <= 0 {
			return fmt.Errorf("fixed swap amount must be positive")
		}
	case AmountFixedRandomUpper:
		if s.Swap.Fixed <= 0 || s.Swap.Upper < s.Swap.Fixed {
			return fmt.Errorf("swap amount range [%v, %v] is invalid", s.Swap.Fixed, s.Swap.Upper)
		}
	case AmountPerToken, "":
	default:
		return fmt.Errorf("unknown amount mode %q", s.Swap.Mode)
	}
	if s.Transfer.Fixed < 0 || s.Transfer.Min < 0 || s.Transfer.Max < 0 {
		return fmt.Errorf("transfer amounts must not be negative")
	}
	if s.Interval.Fixed < 0 || s.Interval.Min < 0 || s.Interval.Max < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

// historyDetails renders the settings as history entry details
func (s Settings) historyDetails() map[string]string {
	d := map[string]string{
		"simulate":      strconv.FormatBool(s.Simulate),
		"amountMode":    string(s.Swap.Mode),
		"swapFixed":     strconv.FormatFloat(s.Swap.Fixed, 'f', -1, 64),
		"swapUpper":     strconv.FormatFloat(s.Swap.Upper, 'f', -1, 64),
		"transferFixed": strconv.FormatFloat(s.Transfer.Fixed, 'f', -1, 64),
		"transferMin":   strconv.FormatFloat(s.Transfer.Min, 'f', -1, 64),
		"transferMax":   strconv.FormatFloat(s.Transfer.Max, 'f', -1, 64),
		"intervalFixed": s.Interval.Fixed.String(),
		"intervalMin":   s.Interval.Min.String(),
		"intervalMax":   s.Interval.Max.String(),
	}
	if s.Transfer.Receiver != nil {
		d["receiver"] = s.Transfer.Receiver.Hex()
	}
	return d
}
