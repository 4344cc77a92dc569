package models

import "time"

// PickupCounter is the single shared sequence behind pickup numbers.
// Despite the document key (daily_counter) it is never reset.
type PickupCounter struct {
	Counter     int64     `bson:"counter" json:"counter"`
	LastUpdated time.Time `bson:"lastUpdated" json:"lastUpdated"`
}

// Next returns the following counter value and its pickup number.
func (c PickupCounter) Next() (int64, string) {
	n := c.Counter + 1
	return n, FormatPickupNumber(n)
}
