// Package identityproof derives the channel-level IdentityProof for an
// inbound turn: how strongly the transport itself (a WhatsApp phone number,
// an email From header) already attests to who the sender is, before any
// challenge-response verification happens.
package identityproof

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/telyx/turnguard/pkg/contract"
)

// Directory looks up customer/order records by phone or email, the same
// peer-index idea internal/identity uses to resolve a channel handle to a
// canonical identity.
type Directory interface {
	// FindByPhone returns matching customer/order anchors for any of the
	// given phone variants (E.164, national, last-10-digits, etc.).
	FindByPhone(ctx context.Context, variants []string) ([]contract.Anchor, error)
	// FindByEmail returns matching customer/order anchors for a
	// case-insensitive email match.
	FindByEmail(ctx context.Context, email string) ([]contract.Anchor, error)
}

// SQLDirectory is a Directory backed by database/sql customer/order tables.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory wraps db as a Directory.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// FindByPhone searches the customers and orders tables for any of the
// provided phone number variants.
func (d *SQLDirectory) FindByPhone(ctx context.Context, variants []string) ([]contract.Anchor, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	var out []contract.Anchor
	for _, v := range variants {
		rows, err := d.db.QueryContext(ctx, `
			SELECT id, customer_id, name, phone, email
			FROM customers WHERE phone = $1
		`, v)
		if err != nil {
			return nil, fmt.Errorf("identityproof: find by phone: %w", err)
		}
		for rows.Next() {
			var a contract.Anchor
			if err := rows.Scan(&a.ID, &a.CustomerID, &a.Name, &a.Phone, &a.Email); err != nil {
				rows.Close()
				return nil, fmt.Errorf("identityproof: scan customer: %w", err)
			}
			a.AnchorType = "ACCOUNT"
			a.SourceTable = "customers"
			out = append(out, a)
		}
		rows.Close()
	}
	return out, nil
}

// FindByEmail searches the customers table for a case-insensitive email match.
func (d *SQLDirectory) FindByEmail(ctx context.Context, email string) ([]contract.Anchor, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, customer_id, name, phone, email
		FROM customers WHERE lower(email) = lower($1)
	`, email)
	if err != nil {
		return nil, fmt.Errorf("identityproof: find by email: %w", err)
	}
	defer rows.Close()

	var out []contract.Anchor
	for rows.Next() {
		var a contract.Anchor
		if err := rows.Scan(&a.ID, &a.CustomerID, &a.Name, &a.Phone, &a.Email); err != nil {
			return nil, fmt.Errorf("identityproof: scan customer: %w", err)
		}
		a.AnchorType = "ACCOUNT"
		a.SourceTable = "customers"
		out = append(out, a)
	}
	return out, nil
}

// Deriver computes the channel-level IdentityProof for an inbound turn.
type Deriver struct {
	directory Directory
}

// NewDeriver builds a Deriver over the given customer/order Directory.
func NewDeriver(directory Directory) *Deriver {
	return &Deriver{directory: directory}
}

// Derive returns the IdentityProof for a turn arriving on channel from
// channelUserID (a phone number for WHATSAPP, an email address for EMAIL).
// Any lookup failure fails closed to NONE: a transport error must never be
// mistaken for a stronger identity signal than the system actually has.
func (d *Deriver) Derive(ctx context.Context, channel contract.Channel, channelUserID string) (proof contract.IdentityProof) {
	start := time.Now()
	defer func() { proof.DurationMS = time.Since(start).Milliseconds() }()

	switch channel {
	case contract.ChannelChat:
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"chat channel carries no identity signal"}}

	case contract.ChannelWhatsApp:
		return d.deriveFromPhone(ctx, channelUserID)

	case contract.ChannelEmail:
		return d.deriveFromEmail(ctx, channelUserID)

	default:
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"unrecognized channel"}}
	}
}

func (d *Deriver) deriveFromPhone(ctx context.Context, rawPhone string) contract.IdentityProof {
	defer func() {
		if r := recover(); r != nil {
			_ = r
		}
	}()

	variants := phoneVariants(rawPhone)
	if len(variants) == 0 || d.directory == nil {
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"no usable phone variants"}}
	}

	anchors, err := safeFindByPhone(ctx, d.directory, variants)
	if err != nil {
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"directory lookup failed: fail closed"}}
	}
	if len(anchors) == 0 {
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"no customer matched phone"}}
	}

	evidence := map[string]string{"matched_phone": rawPhone}
	a := anchors[0]
	return contract.IdentityProof{
		Strength:          strengthForMatchCount(anchors),
		MatchedCustomerID: a.CustomerID,
		Reasons:           []string{"phone number on file for a customer account"},
		Evidence:          evidence,
	}
}

func (d *Deriver) deriveFromEmail(ctx context.Context, rawEmail string) contract.IdentityProof {
	email := strings.TrimSpace(strings.ToLower(rawEmail))
	if email == "" || d.directory == nil {
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"no usable email"}}
	}

	anchors, err := safeFindByEmail(ctx, d.directory, email)
	if err != nil {
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"directory lookup failed: fail closed"}}
	}
	if len(anchors) == 0 {
		return contract.IdentityProof{Strength: contract.IdentityNone, Reasons: []string{"no customer matched email"}}
	}

	a := anchors[0]
	return contract.IdentityProof{
		Strength:          strengthForMatchCount(anchors),
		MatchedCustomerID: a.CustomerID,
		Reasons:           []string{"email address on file for a customer account"},
		Evidence:          map[string]string{"matched_email": email},
	}
}

// strengthForMatchCount returns STRONG when anchors names exactly one unique
// customer id, WEAK otherwise (zero anchors never reaches here; ambiguous
// matches across several customers must not be trusted as channel proof).
func strengthForMatchCount(anchors []contract.Anchor) contract.IdentityStrength {
	customers := map[string]bool{}
	for _, a := range anchors {
		if a.CustomerID != "" {
			customers[a.CustomerID] = true
		}
	}
	if len(customers) == 1 {
		return contract.IdentityStrong
	}
	return contract.IdentityWeak
}

// safeFindByPhone and safeFindByEmail exist so a panicking Directory
// implementation cannot escalate into a crashed turn: identity derivation
// must fail closed to NONE, never propagate a panic.
func safeFindByPhone(ctx context.Context, d Directory, variants []string) (anchors []contract.Anchor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("identityproof: directory panic: %v", r)
		}
	}()
	return d.FindByPhone(ctx, variants)
}

func safeFindByEmail(ctx context.Context, d Directory, email string) (anchors []contract.Anchor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("identityproof: directory panic: %v", r)
		}
	}()
	return d.FindByEmail(ctx, email)
}

// phoneVariants expands a raw phone number into the set of representations
// likely to appear in stored customer records: the original value, a
// digits-only form, and (when long enough) the trailing national-number
// digits without a country code.
func phoneVariants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	digitsOnly := digits.String()
	if digitsOnly == "" {
		return nil
	}

	seen := map[string]bool{}
	var variants []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}

	add(trimmed)
	add("+" + digitsOnly)
	add(digitsOnly)
	if len(digitsOnly) > 10 {
		add(digitsOnly[len(digitsOnly)-10:])
	}
	return variants
}
