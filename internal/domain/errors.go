package domain

import "errors"

// Marketplace rule violations. Each is a distinct outcome callers can branch
// on with errors.Is.
var (
	ErrInvalidFee          = errors.New("listing fee mismatch")
	ErrInvalidPrice        = errors.New("price must be greater than zero")
	ErrNotOwner            = errors.New("caller is not the asset owner")
	ErrTransferFailed      = errors.New("asset transfer failed")
	ErrItemNotFound        = errors.New("market item not found")
	ErrAlreadySold         = errors.New("market item already sold")
	ErrWrongPayment        = errors.New("payment does not match asking price")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInsufficientBalance = errors.New("insufficient fee balance")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
)

// Infrastructure errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidFee, "invalid_fee"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrNotOwner, "not_owner"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrItemNotFound, "item_not_found"},
	{ErrAlreadySold, "already_sold"},
	{ErrWrongPayment, "wrong_payment"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrLockHeld, "busy"},
	{ErrUnauthorized, "unauthorized"},
	{ErrNotFound, "not_found"},
}

// ErrorCode returns the stable machine-readable code for err, or "internal"
// when err does not wrap any known kind.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorFromCode is the inverse of ErrorCode: it returns the sentinel for a
// known code, or nil.
func ErrorFromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
