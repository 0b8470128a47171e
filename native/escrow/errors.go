package escrow

import (
	"errors"

	"splitledger/native/common"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilTokens = errors.New("escrow engine: token registry not configured")
)

// Authorization failures.
var (
	ErrUnauthorized = errors.New("escrow: caller not authorized")
)

// Validation failures.
var (
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrAmountOverflow       = errors.New("escrow: amount exceeds maximum")
	ErrInvalidAddress       = errors.New("escrow: address must not be zero")
	ErrLengthMismatch       = errors.New("escrow: participants, shares and assets length mismatch")
	ErrNoParticipants       = errors.New("escrow: at least one participant required")
	ErrTooManyParticipants  = errors.New("escrow: too many participants")
	ErrDuplicateParticipant = errors.New("escrow: duplicate participant")
	ErrShareSumMismatch     = errors.New("escrow: shares do not sum to total amount")
	ErrDescriptionTooLong   = errors.New("escrow: description too long")
	ErrAssetNotApproved     = errors.New("escrow: asset not approved")
	ErrInvalidDeadline      = errors.New("escrow: deadline must be in the future")
	ErrOverpayment          = errors.New("escrow: amount exceeds remaining share")
	ErrInvalidMetadata      = errors.New("escrow: invalid metadata")
)

// State-conflict failures.
var (
	// ErrPaused aliases the shared module pause error so callers can match
	// either value.
	ErrPaused              = common.ErrModulePaused
	ErrNotInitialized      = errors.New("escrow: module not initialized")
	ErrAlreadyInitialized  = errors.New("escrow: module already initialized")
	ErrExpired             = errors.New("escrow: split expired")
	ErrNotActive           = errors.New("escrow: split not active")
	ErrAlreadyReleased     = errors.New("escrow: split already released")
	ErrCancelled           = errors.New("escrow: split cancelled")
	ErrNotFunded           = errors.New("escrow: split not fully funded")
	ErrNotRefundable       = errors.New("escrow: split not refundable")
	ErrNoFunds             = errors.New("escrow: no funds to refund")
	ErrDeadlineNotExtended = errors.New("escrow: new deadline must be after current deadline")
)

// Not-found failures.
var (
	ErrSplitNotFound       = errors.New("escrow: split not found")
	ErrParticipantNotFound = errors.New("escrow: participant not found")
)

// ErrTransferFailed wraps any failure reported by a token transfer.
var ErrTransferFailed = errors.New("escrow: token transfer failed")

// Category groups errors into the classes callers act upon.
type Category string

const (
	CategoryAuthorization Category = "authorization"
	CategoryValidation    Category = "validation"
	CategoryStateConflict Category = "state_conflict"
	CategoryNotFound      Category = "not_found"
	CategoryTransfer      Category = "transfer"
	CategoryInternal      Category = "internal"
)

var categories = []struct {
	category Category
	errs     []error
}{
	{CategoryAuthorization, []error{ErrUnauthorized}},
	{CategoryTransfer, []error{ErrTransferFailed}},
	{CategoryNotFound, []error{ErrSplitNotFound, ErrParticipantNotFound}},
	{CategoryValidation, []error{
		ErrInvalidAmount, ErrAmountOverflow, ErrInvalidAddress, ErrLengthMismatch,
		ErrNoParticipants, ErrTooManyParticipants, ErrDuplicateParticipant,
		ErrShareSumMismatch, ErrDescriptionTooLong, ErrAssetNotApproved,
		ErrInvalidDeadline, ErrOverpayment, ErrInvalidMetadata,
	}},
	{CategoryStateConflict, []error{
		ErrPaused, ErrNotInitialized, ErrAlreadyInitialized, ErrExpired,
		ErrNotActive, ErrAlreadyReleased, ErrCancelled, ErrNotFunded,
		ErrNotRefundable, ErrNoFunds, ErrDeadlineNotExtended,
	}},
}

// Classify maps an engine error onto its category. Nil errors classify as the
// empty category; unknown errors are internal.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	for _, group := range categories {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.category
			}
		}
	}
	return CategoryInternal
}
