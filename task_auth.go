package taskarmy

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tranvictor/taskarmy/authapi"
)

// providerOutcome maps a provider error: application errors fail the task with the
// provider's message, anything else is a transport error.
func providerOutcome(task Task, err error) Outcome {
	var apiErr *authapi.APIError
	if errors.As(err, &apiErr) {
		out := task.outcome(StatusFailed, apiErr.Message)
		out.Details["code"] = strconv.Itoa(apiErr.Code)
		return out
	}
	return task.outcome(StatusError, err.Error())
}

// Faucet logs in to the provider, checks eligibility and claims. A wallet that is not
// eligible yet is skipped and the next eligible time is reported.
func (e *Executor) Faucet(ctx context.Context, task Task, conn *Connection) Outcome {
	cfg := task.Network.Faucet
	if cfg == nil || cfg.BaseURL == "" {
		return task.outcome(StatusSkipped, ErrNoProvider.Error())
	}
	if task.Simulate {
		return task.outcome(StatusSimulated, "")
	}

	svc := e.authFactory(*cfg)
	jwt, err := svc.Login(ctx, task.Wallet)
	if err != nil {
		return providerOutcome(task, err)
	}

	status, err := svc.FaucetStatus(ctx, jwt)
	if err != nil {
		return providerOutcome(task, err)
	}
	if !status.CanClaim {
		out := task.outcome(StatusSkipped, "not eligible yet")
		if next := status.NextEligible(); !next.IsZero() {
			out.Reason = "not eligible until " + next.Format(time.RFC3339)
			out.Details["nextEligibleAt"] = next.Format(time.RFC3339)
		}
		return out
	}

	claim, err := svc.ClaimFaucet(ctx, jwt)
	if err != nil {
		return providerOutcome(task, err)
	}
	out := task.outcome(StatusSuccess, "")
	out.TxHash = claim.TxHash
	if claim.Amount != "" {
		out.Details["amount"] = claim.Amount
	}
	return out
}

// CheckIn logs in to the provider and checks in. "Already checked in" is skipped rather
// than failed.
func (e *Executor) CheckIn(ctx context.Context, task Task, conn *Connection) Outcome {
	cfg := task.Network.CheckIn
	if cfg == nil || cfg.BaseURL == "" {
		return task.outcome(StatusSkipped, ErrNoProvider.Error())
	}
	if task.Simulate {
		return task.outcome(StatusSimulated, "")
	}

	svc := e.authFactory(*cfg)
	jwt, err := svc.Login(ctx, task.Wallet)
	if err != nil {
		return providerOutcome(task, err)
	}

	result, err := svc.CheckIn(ctx, jwt)
	if err != nil {
		if authapi.IsAlreadyCheckedIn(err) {
			return task.outcome(StatusSkipped, err.Error())
		}
		return providerOutcome(task, err)
	}
	out := task.outcome(StatusSuccess, result.Msg)
	out.Details["points"] = strconv.Itoa(result.Points)
	if result.Streak > 0 {
		out.Details["streak"] = strconv.Itoa(result.Streak)
	}
	return out
}
