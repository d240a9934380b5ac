package ledger

import (
	"sort"
	"time"

	"github.com/lumoscan/lumoscan/app/models"
)

// pruneBuckets drops expired and emptied buckets. The remaining slice keeps
// its relative order.
func pruneBuckets(buckets []models.CreditBucket, now time.Time) []models.CreditBucket {
	kept := buckets[:0]
	for _, b := range buckets {
		if b.Amount > 0 && !b.Expired(now) {
			kept = append(kept, b)
		}
	}
	return kept
}

// sortForDebit orders buckets soonest-to-expire first, oldest grant as
// tiebreak. Non-expiring buckets sort last. This ordering minimizes credit
// loss to expiry and is the ledger's core debit policy.
func sortForDebit(buckets []models.CreditBucket) {
	sort.SliceStable(buckets, func(i, j int) bool {
		bi, bj := buckets[i], buckets[j]
		switch {
		case bi.ExpiresAt == nil && bj.ExpiresAt == nil:
			return bi.GrantedAt.Before(bj.GrantedAt)
		case bi.ExpiresAt == nil:
			return false
		case bj.ExpiresAt == nil:
			return true
		case bi.ExpiresAt.Equal(*bj.ExpiresAt):
			return bi.GrantedAt.Before(bj.GrantedAt)
		default:
			return bi.ExpiresAt.Before(*bj.ExpiresAt)
		}
	})
}

// debitBuckets greedily debits amount across buckets in order, spilling into
// the next bucket when one is exhausted. Emptied buckets are dropped. The
// second return is false when the buckets cannot cover the amount; the input
// is not modified in that case.
func debitBuckets(buckets []models.CreditBucket, amount int) ([]models.CreditBucket, bool) {
	total := 0
	for _, b := range buckets {
		total += b.Amount
	}
	if total < amount {
		return buckets, false
	}

	remaining := amount
	kept := make([]models.CreditBucket, 0, len(buckets))
	for _, b := range buckets {
		if remaining > 0 {
			take := b.Amount
			if take > remaining {
				take = remaining
			}
			b.Amount -= take
			remaining -= take
		}
		if b.Amount > 0 {
			kept = append(kept, b)
		}
	}
	return kept, true
}

// totalAvailable sums non-expired bucket amounts.
func totalAvailable(buckets []models.CreditBucket, now time.Time) int {
	total := 0
	for _, b := range buckets {
		if !b.Expired(now) {
			total += b.Amount
		}
	}
	return total
}
