package services

import "errors"

// Business-rule failures are sentinel values so handlers can map them to
// distinct response codes.
var (
	// ErrNotFound: unknown exchange/listing/user id.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: the caller is not a participant (or not the owner).
	ErrForbidden = errors.New("caller is not part of this exchange")

	// ErrConflict: a concurrent caller won the transition race, or the
	// current status does not permit the requested transition.
	ErrConflict = errors.New("conflicting state transition")

	// ErrInsufficientCredits is returned when an account cannot cover a spend.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNotClaimable: listing outside its pickup window, already claimed,
	// or claimed by its own sharer.
	ErrNotClaimable = errors.New("food cannot be claimed")

	// ErrNotConfirmed: completion requires both confirmation flags.
	ErrNotConfirmed = errors.New("exchange is not confirmed by both parties")

	// ErrSharingNotAllowed: unverified user, sharing disabled, or no building.
	ErrSharingNotAllowed = errors.New("user cannot share food")
)
