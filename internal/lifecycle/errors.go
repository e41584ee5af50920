package lifecycle

import "errors"

var (
	// ErrConflict means another assignment is held or the order was
	// claimed by another rider first.
	ErrConflict = errors.New("assignment conflict")

	// ErrInvalidOTP is returned when the entered code does not match.
	ErrInvalidOTP = errors.New("invalid otp")

	// ErrOTPLocked is returned while OTP entry is locked after repeated
	// mismatches.
	ErrOTPLocked = errors.New("otp entry locked")

	ErrNoAssignment = errors.New("no such assignment")
	ErrUnknownOffer = errors.New("unknown offer")
	ErrStageOrder   = errors.New("stage transition out of order")
)
