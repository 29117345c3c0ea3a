package models

import "time"

// CreditLogEntry is one immutable row of the credit ledger. Amount is signed.
type CreditLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Amount    int       `json:"amount" db:"amount"`
	Type      string    `json:"type" db:"type"`
	TaskID    string    `json:"task_id,omitempty" db:"task_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Credit log types
const (
	CreditTypeRegister   = "register"
	CreditTypeDailyLogin = "daily_login"
	CreditTypeProcess    = "process"
	CreditTypeRefund     = "refund"
	CreditTypePurchase   = "purchase"
)

// ValidCreditType reports whether t is a known ledger entry type
func ValidCreditType(t string) bool {
	switch t {
	case CreditTypeRegister, CreditTypeDailyLogin, CreditTypeProcess, CreditTypeRefund, CreditTypePurchase:
		return true
	}
	return false
}

// CreditPackage is a purchasable bundle of credits. Price is in cents.
type CreditPackage struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Credits  int    `json:"credits"`
	Bonus    int    `json:"bonus,omitempty"`
	Price    int    `json:"price"`
	Currency string `json:"currency"`
}

// Total returns the credits granted including the bonus
func (p CreditPackage) Total() int {
	return p.Credits + p.Bonus
}
