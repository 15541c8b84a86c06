package domain

// transitions holds every legal edge in the payment status graph. The
// gateway is eventually consistent, so a confirming signal may arrive after
// the remote transaction already settled: pending can jump straight to paid
// or failed without an observed processing step.
var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusPaid,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusPaid,
		PaymentStatusFailed,
		PaymentStatusCancelled,
	},
	PaymentStatusPaid: {
		PaymentStatusRefunded,
	},
	PaymentStatusFailed:    {},
	PaymentStatusCancelled: {},
	PaymentStatusRefunded:  {},
}

func CanTransition(from, to PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition moves the payment,
// with the single exception of paid, which still admits a refund.
func IsTerminal(s PaymentStatus) bool {
	switch s {
	case PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// StatusRank orders statuses along the terminal-directed graph. When a poll
// and a webhook race, the transition that moves the record strictly further
// wins; equal-rank arrivals are treated as idempotent replays.
func StatusRank(s PaymentStatus) int {
	switch s {
	case PaymentStatusPending:
		return 0
	case PaymentStatusProcessing:
		return 1
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled:
		return 2
	case PaymentStatusRefunded:
		return 3
	}
	return -1
}
