package gateway

import (
	"context"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
)

// remoteStatusMap is the exhaustive mapping from the gateway's status
// vocabulary to the internal enum. Review when the gateway introduces new
// statuses.
var remoteStatusMap = map[string]domain.PaymentStatus{
	"awaiting_payment_method": domain.PaymentStatusPending,
	"awaiting_next_action":    domain.PaymentStatusPending,
	"processing":              domain.PaymentStatusProcessing,
	"succeeded":               domain.PaymentStatusPaid,
	"payment_failed":          domain.PaymentStatusFailed,
	"cancelled":               domain.PaymentStatusCancelled,
	"refunded":                domain.PaymentStatusRefunded,
}

// MapRemoteStatus translates a gateway status string. Unknown values map to
// processing with a logged warning rather than being silently dropped, so a
// new remote status can never freeze a payment unnoticed.
func MapRemoteStatus(ctx context.Context, remote string) domain.PaymentStatus {
	if s, ok := remoteStatusMap[remote]; ok {
		return s
	}
	logging.FromContext(ctx).Warn("unknown gateway status, treating as processing", "remote_status", remote)
	return domain.PaymentStatusProcessing
}
