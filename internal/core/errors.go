// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type so that error codes survive the trip
// across process boundaries (RPC, the controller socket) intact.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Errors from the disk level ------//

	// ErrEOF is returned when a block iterator or file read reaches the end.
	ErrEOF

	// ErrNoSpace is returned when a volume fills up while writing a block.
	ErrNoSpace

	// ErrIO is returned if there is an OS-level IO error.
	// The block involved is suspect in this case.
	ErrIO

	// ErrNoSuchBlock is returned when an operation requires a block to exist but it does not.
	ErrNoSuchBlock

	// ErrAlreadyExists is returned when a block is created twice on the same volume.
	ErrAlreadyExists

	// ErrVolumeRemoved is returned for all volume calls after the volume has
	// been detached from the dataset.
	ErrVolumeRemoved

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg negative size).
	ErrInvalidArgument

	//------ Errors from the disk balancer ------//

	// ErrBalancerNotEnabled is returned from every balancer operation while
	// the balancer is disabled by configuration.
	ErrBalancerNotEnabled

	// ErrPlanInProgress is returned from a plan submission while a previously
	// submitted plan is still executing.
	ErrPlanInProgress

	// ErrInvalidPlanVersion is returned if the submitted plan version is
	// outside the supported range.
	ErrInvalidPlanVersion

	// ErrInvalidPlan is returned if the submitted plan text is empty.
	ErrInvalidPlan

	// ErrInvalidPlanHash is returned if the submitted plan ID is not the
	// SHA-512 of the plan text.
	ErrInvalidPlanHash

	// ErrMalformedPlan is returned if the plan text fails to parse.
	ErrMalformedPlan

	// ErrOldPlan is returned if the plan is older than the validity window
	// and the submitter did not force execution.
	ErrOldPlan

	// ErrNodeIDMismatch is returned if the plan was generated for a different
	// datanode.
	ErrNodeIDMismatch

	// ErrInvalidVolume is returned if a plan step references a volume that is
	// not attached to this datanode.
	ErrInvalidVolume

	// ErrInvalidMove is returned if a plan step names the same volume as
	// source and destination.
	ErrInvalidMove

	// ErrNoSuchPlan is returned if a cancellation targets a plan that is not
	// the current one.
	ErrNoSuchPlan

	// ErrInternal is returned on volume enumeration or serialization
	// failures inside the balancer.
	ErrInternal
)

var description = map[Error]string{
	NoError: "no error",

	// Errors from the disk level.
	ErrEOF:             "end of iteration",
	ErrNoSpace:         "ran out of space, possibly wrote partial block",
	ErrIO:              "I/O level error",
	ErrNoSuchBlock:     "block does not exist",
	ErrAlreadyExists:   "block already exists",
	ErrVolumeRemoved:   "operation on volume after it has been removed",
	ErrInvalidArgument: "invalid argument",

	// Errors from the disk balancer.
	ErrBalancerNotEnabled: "disk balancer is not enabled",
	ErrPlanInProgress:     "executing another plan",
	ErrInvalidPlanVersion: "invalid plan version",
	ErrInvalidPlan:        "invalid plan",
	ErrInvalidPlanHash:    "invalid or mis-matched plan hash",
	ErrMalformedPlan:      "parsing plan failed",
	ErrOldPlan:            "plan is older than the validity window",
	ErrNodeIDMismatch:     "plan was generated for another node",
	ErrInvalidVolume:      "unable to find volume",
	ErrInvalidMove:        "source and destination volumes are same",
	ErrNoSuchPlan:         "no such plan",
	ErrInternal:           "internal error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver strata
// error underneath.
func (e Error) Is(g error) bool {
	s, ok := g.(goError)
	return ok && (Error)(s) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// StrataError gets the underlying core.Error from an error.
func StrataError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}
