package queue

// AppointmentQueue is the durable queue confirmed appointments are
// announced on.
const AppointmentQueue = "booking.confirmed"

// AppointmentConfirmedEvent is published after a booking moves to
// confirmed.  It carries identifiers and the slot only; the visitor's
// purpose text never leaves the primary database.
type AppointmentConfirmedEvent struct {
	BookingID   string `json:"booking_id"`
	AttemptID   string `json:"attempt_id"`
	Provider    string `json:"provider"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	ConfirmedAt string `json:"confirmed_at"`
}
