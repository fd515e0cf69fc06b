/**
 * @description
 * This file defines the funding side of the domain: pools, corporate partners,
 * donations and the per-pool ledger entries written on every balance change.
 *
 * @notes
 * - Amounts are `int64` cents. A pool's balance is never assigned directly; it only
 *   moves through debits (releases) and top-ups (donations, partner funding).
 * - `0 <= RemainingAmountCents <= TotalAmountCents` holds for every persisted pool.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PoolType classifies what a pool may fund.
type PoolType string

const (
	// PoolTypeRestricted funds challenges for exactly one nonprofit.
	PoolTypeRestricted PoolType = "restricted"
	// PoolTypeUnrestricted funds any nonprofit chosen at approval time.
	PoolTypeUnrestricted PoolType = "unrestricted"
	// PoolTypePartnerMatch is a corporate partner's matching pool.
	PoolTypePartnerMatch PoolType = "partner_match"
)

// SourceType records who put money into a pool.
type SourceType string

const (
	SourceTypeDonor            SourceType = "donor"
	SourceTypeCorporatePartner SourceType = "corporate_partner"
)

// LedgerEntryType tags a row in pool_ledger_entries.
type LedgerEntryType string

const (
	LedgerEntryTopUp        LedgerEntryType = "topup"
	LedgerEntryReleaseDebit LedgerEntryType = "release_debit"
	LedgerEntryMatchDebit   LedgerEntryType = "match_debit"
)

// FundingPool maps to the `funding_pools` table.
type FundingPool struct {
	ID                   uuid.UUID  `json:"id"`
	PoolType             PoolType   `json:"pool_type"`
	SourceType           SourceType `json:"source_type"`
	SourceName           string     `json:"source_name"`
	NonprofitID          *uuid.UUID `json:"nonprofit_id,omitempty"`
	CorporatePartnerID   *uuid.UUID `json:"corporate_partner_id,omitempty"`
	TotalAmountCents     int64      `json:"total_amount_cents"`
	RemainingAmountCents int64      `json:"remaining_amount_cents"`
	Currency             string     `json:"currency"`
	IsActive             bool       `json:"is_active"`
	StartsAt             *time.Time `json:"starts_at,omitempty"`
	EndsAt               *time.Time `json:"ends_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// AvailableAt reports whether the pool can be debited at the given instant.
func (p FundingPool) AvailableAt(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && !now.Before(*p.EndsAt) {
		return false
	}
	return true
}

// CorporatePartner is the sponsor behind a partner_match pool.
type CorporatePartner struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Donation is the inbound record written for every donor top-up.
type Donation struct {
	ID            uuid.UUID  `json:"id"`
	FundingPoolID uuid.UUID  `json:"funding_pool_id"`
	NonprofitID   *uuid.UUID `json:"nonprofit_id,omitempty"`
	DonorName     string     `json:"donor_name"`
	DonorEmail    string     `json:"donor_email,omitempty"`
	AmountCents   int64      `json:"amount_cents"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PoolLedgerEntry is one signed balance movement on a pool.
type PoolLedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	FundingPoolID uuid.UUID       `json:"funding_pool_id"`
	EntryType     LedgerEntryType `json:"entry_type"`
	AmountCents   int64           `json:"amount_cents"`
	ReferenceID   *uuid.UUID      `json:"reference_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PoolLedgerTotals aggregates a pool's ledger for reconciliation views.
type PoolLedgerTotals struct {
	ToppedUpCents     int64 `json:"topped_up_cents"`
	ReleaseDebitCents int64 `json:"release_debit_cents"`
	MatchDebitCents   int64 `json:"match_debit_cents"`
	EntryCount        int64 `json:"entry_count"`
}

// PoolSummary is a pool plus its ledger totals.
type PoolSummary struct {
	Pool   FundingPool      `json:"pool"`
	Ledger PoolLedgerTotals `json:"ledger"`
}

// CreatePoolRequest is the admin DTO for opening a pool.
type CreatePoolRequest struct {
	PoolType           PoolType   `json:"pool_type"`
	SourceType         SourceType `json:"source_type"`
	SourceName         string     `json:"source_name"`
	NonprofitID        *uuid.UUID `json:"nonprofit_id,omitempty"`
	CorporatePartnerID *uuid.UUID `json:"corporate_partner_id,omitempty"`
	InitialAmountCents int64      `json:"initial_amount_cents"`
	StartsAt           *time.Time `json:"starts_at,omitempty"`
	EndsAt             *time.Time `json:"ends_at,omitempty"`
}

// TopUpRequest adds funds to an existing pool.
type TopUpRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// DonationRequest records a donor gift. A nil NonprofitID targets the unrestricted pool.
type DonationRequest struct {
	NonprofitID *uuid.UUID `json:"nonprofit_id,omitempty"`
	DonorName   string     `json:"donor_name"`
	DonorEmail  string     `json:"donor_email"`
	AmountCents int64      `json:"amount_cents"`
}

// PartnerFundingRequest tops up (or opens) a partner's matching pool.
type PartnerFundingRequest struct {
	PoolID      *uuid.UUID `json:"pool_id,omitempty"`
	SourceName  string     `json:"source_name"`
	AmountCents int64      `json:"amount_cents"`
}
