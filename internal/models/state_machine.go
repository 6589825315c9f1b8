package models

import "fmt"

// Transition conditions. Conditions name the event that justifies a status
// change; the lifecycle controller supplies them on every transition.
const (
	ConditionEntryFilled     = "entry_filled"
	ConditionEntryRejected   = "entry_rejected"
	ConditionEntryCancelled  = "entry_cancelled"
	ConditionEntryTimeout    = "entry_timeout"
	ConditionExitTriggered   = "exit_triggered"
	ConditionExitFilled      = "exit_filled"
	ConditionExitExhausted   = "exit_exhausted"
	ConditionExitRetry       = "exit_retry"
	ConditionBrokerFlat      = "broker_flat"
	ConditionInvariantFailed = "invariant_failed"
	ConditionManualClose     = "manual_close"
)

// StatusTransition defines one valid trade status transition.
type StatusTransition struct {
	From        TradeStatus
	To          TradeStatus
	Condition   string
	Description string
}

// ValidTransitions is the exhaustive table of legal trade status changes.
var ValidTransitions = []StatusTransition{
	{StatusEntryPending, StatusOpen, ConditionEntryFilled, "Entry order filled"},
	{StatusEntryPending, StatusCancelled, ConditionEntryRejected, "Entry order rejected by broker"},
	{StatusEntryPending, StatusCancelled, ConditionEntryCancelled, "Entry order cancelled"},
	{StatusEntryPending, StatusCancelled, ConditionEntryTimeout, "Entry order timed out without fill"},

	{StatusOpen, StatusClosingPending, ConditionExitTriggered, "Exit rule triggered, close order submitted"},
	{StatusOpen, StatusInvalidStructure, ConditionInvariantFailed, "Post-open structural invariant failed"},
	{StatusOpen, StatusClosed, ConditionBrokerFlat, "Broker reports no legs; reconciled flat"},
	{StatusOpen, StatusClosed, ConditionManualClose, "Operator closed the trade"},

	{StatusClosingPending, StatusClosed, ConditionExitFilled, "Close order filled"},
	{StatusClosingPending, StatusClosed, ConditionBrokerFlat, "Broker flat while close pending"},
	{StatusClosingPending, StatusExitError, ConditionExitExhausted, "Exit retries exhausted"},

	// EXIT_ERROR trades are re-entered by the next monitor cycle.
	{StatusExitError, StatusClosingPending, ConditionExitRetry, "Exit re-attempted"},
	{StatusExitError, StatusClosed, ConditionBrokerFlat, "Broker flat after failed exit"},
	{StatusExitError, StatusClosed, ConditionManualClose, "Operator resolved failed exit"},

	// Legacy status kept for operator workflows.
	{StatusCloseFailed, StatusClosingPending, ConditionExitRetry, "Exit re-attempted after manual unblock"},
	{StatusCloseFailed, StatusClosed, ConditionManualClose, "Operator resolved stuck close"},
}

// CanTransition reports whether from -> to with the given condition is legal.
func CanTransition(from, to TradeStatus, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// CheckTransition returns a descriptive error for illegal transitions.
func CheckTransition(from, to TradeStatus, condition string) error {
	if from.Terminal() {
		return fmt.Errorf("trade status %s is terminal, cannot transition to %s", from, to)
	}
	if !CanTransition(from, to, condition) {
		return fmt.Errorf("invalid trade transition %s -> %s with condition %q", from, to, condition)
	}
	return nil
}
