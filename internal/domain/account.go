package domain

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// accountIDPattern is the grammar shared by submitters and worker owners.
var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// AccountID is a validated credit-bearing identity.
type AccountID string

// NewAccountID validates and creates an AccountID.
func NewAccountID(s string) (AccountID, error) {
	if !accountIDPattern.MatchString(s) {
		return "", fmt.Errorf("%w: account id must be 1-64 chars of [A-Za-z0-9_-]", ErrInvalidInput)
	}
	return AccountID(s), nil
}

// String returns the account id value.
func (a AccountID) String() string {
	return string(a)
}

// Account is a credit-bearing identity. Balance is the only mutable field;
// accounts are created on first authenticated contact and never destroyed.
type Account struct {
	ID      AccountID
	Balance decimal.Decimal
}
