package models

import "time"

const (
	PaymentProviderStripe   = "stripe"
	PaymentProviderRevenue  = "revenuecat"
	PaymentProviderInternal = "internal"
)

// CreditPlanMapping maps provider-specific plan/price references to the
// credit amount and expiry they grant. The ledger never hard-codes prices;
// webhook handlers resolve grants through this catalog.
type CreditPlanMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_credit_plan_mappings_ref,unique,priority:1;index" json:"provider"`
	ProviderPlanRef string    `gorm:"type:varchar(191);not null;index:ux_credit_plan_mappings_ref,unique,priority:2" json:"provider_plan_ref"`
	CreditAmount    int       `gorm:"not null;default:0" json:"credit_amount"`
	ExpiryMonths    *int      `gorm:"default:null" json:"expiry_months,omitempty"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
