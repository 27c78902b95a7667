package models

import "time"

// AlertRecord is the delivery outcome of one event on one channel.
// (TradeID, Channel) is unique; it is the dedup key.
type AlertRecord struct {
	ID       string    `json:"id"`
	TradeID  string    `json:"trade_id"`
	Channel  string    `json:"channel"`
	SentAt   time.Time `json:"sent_at"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
}
