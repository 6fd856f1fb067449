package decision

import (
	"time"

	"ChronoLedger/domain"
)

// Activation gate reason codes.
const (
	ActivationOK                = "OK"
	BacktestActivationPresent   = "BACKTEST_ACTIVATION_PRESENT"
	MissingActivation           = "MISSING_ACTIVATION"
	ActivationModelMismatch     = "ACTIVATION_MODEL_MISMATCH"
	ActivationModeMismatch      = "ACTIVATION_MODE_MISMATCH"
	ActivationNotApproved       = "ACTIVATION_NOT_APPROVED"
	ActivationWindowNotReached  = "ACTIVATION_WINDOW_NOT_REACHED"
)

// GateResult is the activation gate evaluation outcome.
type GateResult struct {
	Allowed    bool
	ReasonCode string
	Detail     string
}

// EnforceActivationGate validates the model activation contract by run mode.
// BACKTEST rows must not bind an activation; LIVE/PAPER rows must resolve to
// an APPROVED activation whose validation window has closed.
func EnforceActivationGate(
	runMode domain.RunMode,
	hourTsUTC time.Time,
	modelVersionID int64,
	activation *domain.ActivationRecord,
) GateResult {
	if runMode == domain.RunModeBacktest {
		if activation != nil {
			return GateResult{
				Allowed:    false,
				ReasonCode: BacktestActivationPresent,
				Detail:     "BACKTEST rows must not bind to model_activation_gate.",
			}
		}
		return GateResult{
			Allowed:    true,
			ReasonCode: ActivationOK,
			Detail:     "Backtest mode validated without activation dependency.",
		}
	}

	if activation == nil {
		return GateResult{
			Allowed:    false,
			ReasonCode: MissingActivation,
			Detail:     "Live/Paper prediction missing activation binding.",
		}
	}
	if activation.ModelVersionID != modelVersionID {
		return GateResult{
			Allowed:    false,
			ReasonCode: ActivationModelMismatch,
			Detail:     "Activation model_version_id mismatch.",
		}
	}
	if activation.RunMode != runMode {
		return GateResult{
			Allowed:    false,
			ReasonCode: ActivationModeMismatch,
			Detail:     "Activation run_mode mismatch.",
		}
	}
	if activation.Status != domain.ActivationApproved {
		return GateResult{
			Allowed:    false,
			ReasonCode: ActivationNotApproved,
			Detail:     "Activation record is not APPROVED.",
		}
	}
	if activation.ValidationWindowEndUTC.After(hourTsUTC) {
		return GateResult{
			Allowed:    false,
			ReasonCode: ActivationWindowNotReached,
			Detail:     "Validation window ends after execution hour.",
		}
	}
	return GateResult{
		Allowed:    true,
		ReasonCode: ActivationOK,
		Detail:     "Activation gate passed.",
	}
}
