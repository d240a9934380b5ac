package ledger

import (
	"testing"
	"time"

	"github.com/lumoscan/lumoscan/app/models"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestPruneBuckets(t *testing.T) {
	now := time.Now()
	buckets := []models.CreditBucket{
		{Amount: 5, GrantedAt: now, ExpiresAt: ptrTime(now.Add(-time.Hour))},
		{Amount: 0, GrantedAt: now},
		{Amount: 3, GrantedAt: now, ExpiresAt: ptrTime(now.Add(time.Hour))},
		{Amount: 2, GrantedAt: now},
	}

	kept := pruneBuckets(buckets, now)
	if len(kept) != 2 {
		t.Fatalf("expected 2 live buckets, got %d", len(kept))
	}
	if kept[0].Amount != 3 || kept[1].Amount != 2 {
		t.Fatalf("unexpected surviving buckets: %+v", kept)
	}
}

func TestSortForDebit_ExpiringFirst(t *testing.T) {
	now := time.Now()
	buckets := []models.CreditBucket{
		{Amount: 10, GrantedAt: now.Add(-time.Hour)},
		{Amount: 10, GrantedAt: now, ExpiresAt: ptrTime(now.Add(24 * time.Hour))},
	}

	sortForDebit(buckets)
	if buckets[0].ExpiresAt == nil {
		t.Fatalf("expected expiring bucket to sort first")
	}
}

func TestSortForDebit_GrantOrderTiebreak(t *testing.T) {
	now := time.Now()
	exp := now.Add(24 * time.Hour)
	buckets := []models.CreditBucket{
		{Amount: 1, GrantedAt: now, ExpiresAt: ptrTime(exp), SourceID: "newer"},
		{Amount: 1, GrantedAt: now.Add(-time.Hour), ExpiresAt: ptrTime(exp), SourceID: "older"},
	}

	sortForDebit(buckets)
	if buckets[0].SourceID != "older" {
		t.Fatalf("expected older grant to sort first on equal expiry, got %q", buckets[0].SourceID)
	}

	nonExpiring := []models.CreditBucket{
		{Amount: 1, GrantedAt: now, SourceID: "newer"},
		{Amount: 1, GrantedAt: now.Add(-time.Hour), SourceID: "older"},
	}
	sortForDebit(nonExpiring)
	if nonExpiring[0].SourceID != "older" {
		t.Fatalf("expected older non-expiring grant to sort first, got %q", nonExpiring[0].SourceID)
	}
}

func TestDebitBuckets_SpillOver(t *testing.T) {
	now := time.Now()
	buckets := []models.CreditBucket{
		{Amount: 2, GrantedAt: now, SourceID: "a"},
		{Amount: 5, GrantedAt: now, SourceID: "b"},
	}

	debited, ok := debitBuckets(buckets, 4)
	if !ok {
		t.Fatalf("expected debit to succeed")
	}
	if len(debited) != 1 {
		t.Fatalf("expected exhausted bucket to be dropped, got %d buckets", len(debited))
	}
	if debited[0].SourceID != "b" || debited[0].Amount != 3 {
		t.Fatalf("unexpected remainder: %+v", debited[0])
	}
}

func TestDebitBuckets_Insufficient(t *testing.T) {
	now := time.Now()
	buckets := []models.CreditBucket{
		{Amount: 2, GrantedAt: now},
	}

	debited, ok := debitBuckets(buckets, 3)
	if ok {
		t.Fatalf("expected debit to fail")
	}
	if len(debited) != 1 || debited[0].Amount != 2 {
		t.Fatalf("expected buckets untouched on failed debit, got %+v", debited)
	}
}

func TestDebitBuckets_ExactDrain(t *testing.T) {
	now := time.Now()
	buckets := []models.CreditBucket{
		{Amount: 1, GrantedAt: now},
		{Amount: 1, GrantedAt: now},
	}

	debited, ok := debitBuckets(buckets, 2)
	if !ok {
		t.Fatalf("expected debit to succeed")
	}
	if len(debited) != 0 {
		t.Fatalf("expected all buckets drained, got %+v", debited)
	}
}

func TestTotalAvailable_IgnoresExpired(t *testing.T) {
	now := time.Now()
	buckets := []models.CreditBucket{
		{Amount: 5, GrantedAt: now, ExpiresAt: ptrTime(now.Add(-time.Minute))},
		{Amount: 7, GrantedAt: now},
	}

	if got := totalAvailable(buckets, now); got != 7 {
		t.Fatalf("totalAvailable = %d, want 7", got)
	}
}
