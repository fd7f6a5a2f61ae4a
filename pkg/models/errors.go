package models

import "fmt"

// InsufficientDataError means no metrics and no requests were available
type InsufficientDataError struct {
	Workload Workload
	Reason   string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.Workload, e.Reason)
}

// PricingUnavailableError means no provider could price the node
type PricingUnavailableError struct {
	Provider string
	Node     string
	Err      error
}

func (e *PricingUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pricing unavailable from %s for node %s: %v", e.Provider, e.Node, e.Err)
	}
	return fmt.Sprintf("pricing unavailable from %s for node %s", e.Provider, e.Node)
}

func (e *PricingUnavailableError) Unwrap() error { return e.Err }

// ScalingOperationError wraps a failed mutating call against the cluster
type ScalingOperationError struct {
	Workload Workload
	Op       string
	Err      error
}

func (e *ScalingOperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Workload, e.Err)
}

func (e *ScalingOperationError) Unwrap() error { return e.Err }

// RollbackFailure is fatal. The workload may be left at zero replicas
// and needs a human.
type RollbackFailure struct {
	Workload Workload
	PlanID   string
	Err      error
}

func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback of %s (plan %s) failed: %v", e.Workload, e.PlanID, e.Err)
}

func (e *RollbackFailure) Unwrap() error { return e.Err }
