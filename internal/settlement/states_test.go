package settlement

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/repository"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{repository.StatusPending, repository.StatusSubmitted, true},
		{repository.StatusPending, repository.StatusFilled, false},
		{repository.StatusPending, repository.StatusOpen, false},
		{repository.StatusSubmitted, repository.StatusOpen, true},
		{repository.StatusSubmitted, repository.StatusPartial, true},
		{repository.StatusSubmitted, repository.StatusFilled, true},
		{repository.StatusOpen, repository.StatusPartial, true},
		{repository.StatusOpen, repository.StatusExpired, true},
		{repository.StatusPartial, repository.StatusPartial, true},
		{repository.StatusPartial, repository.StatusFilled, true},
		{repository.StatusFilled, repository.StatusFilled, true},
		{repository.StatusFilled, repository.StatusCancelled, false},
		{repository.StatusCancelled, repository.StatusOpen, false},
		{repository.StatusRejected, repository.StatusSubmitted, false},
		{repository.StatusPartial, repository.StatusExpired, false},
		{repository.StatusPending, repository.StatusPartial, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminals := []string{
		repository.StatusFilled, repository.StatusCancelled,
		repository.StatusRejected, repository.StatusExpired, repository.StatusFailed,
	}
	for _, s := range terminals {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []string{repository.StatusPending, repository.StatusOpen, repository.StatusPartial} {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestDetermineStatusAfterFill(t *testing.T) {
	qty := decimal.RequireFromString("1.0")

	if got := DetermineStatusAfterFill(qty, decimal.Zero, repository.StatusSubmitted); got != repository.StatusSubmitted {
		t.Errorf("expected unchanged status for zero filled, got %s", got)
	}
	if got := DetermineStatusAfterFill(qty, decimal.RequireFromString("0.4"), repository.StatusOpen); got != repository.StatusPartial {
		t.Errorf("expected PARTIAL for 0.4 filled, got %s", got)
	}
	if got := DetermineStatusAfterFill(qty, qty, repository.StatusPartial); got != repository.StatusFilled {
		t.Errorf("expected FILLED for fully filled, got %s", got)
	}
	if got := DetermineStatusAfterFill(qty, decimal.RequireFromString("1.00005"), repository.StatusPartial); got != repository.StatusFilled {
		t.Errorf("expected FILLED for overfill within tolerance, got %s", got)
	}
}

func TestWithinTolerance(t *testing.T) {
	qty := decimal.RequireFromString("1.0")

	if !withinTolerance(qty, decimal.RequireFromString("1.0")) {
		t.Error("exact fill should be within tolerance")
	}
	if !withinTolerance(qty, decimal.RequireFromString("1.0001")) {
		t.Error("fill at the tolerance boundary should be accepted")
	}
	if withinTolerance(qty, decimal.RequireFromString("1.0002")) {
		t.Error("fill beyond tolerance should be rejected")
	}
}
