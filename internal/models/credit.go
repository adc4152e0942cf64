package models

import "time"

const CreditReasonTagSale = "TAG_SALE"

// CreditEntry is an append-only row of the credit ledger. Negative amounts are debits.
type CreditEntry struct {
	ID        uint64
	AccountID uint64
	Amount    int64
	Reason    string
	TagID     *uint64
	CreatedAt time.Time
}
