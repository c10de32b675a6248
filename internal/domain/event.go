package domain

import "time"

// Event types published after a committed marketplace mutation.
const (
	EventItemListed    = "item_listed"
	EventItemSold      = "item_sold"
	EventFeeChanged    = "fee_changed"
	EventFeesWithdrawn = "fees_withdrawn"
)

// Bus channel and stream names.
const (
	ChannelMarket = "market"
	StreamMarket  = "market:events"
)

// MarketEvent is the JSON envelope published on the signal bus. Amounts are
// decimal wei strings.
type MarketEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ItemID    int64     `json:"item_id,omitempty"`
	Contract  string    `json:"contract,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Seller    string    `json:"seller,omitempty"`
	Buyer     string    `json:"buyer,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
