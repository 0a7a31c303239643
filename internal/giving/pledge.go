package giving

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Pledge is the submission payload shape. The queue stores it as opaque
// bytes; the processor re-parses it before every submission because a
// malformed payload is a permanent failure — retrying it can never succeed.
type Pledge struct {
	DonorRef      string `json:"donor_ref"`
	CharityRef    string `json:"charity_ref"`
	AmountPence   int64  `json:"amount_pence"`
	Currency      string `json:"currency"`
	EffectiveDate string `json:"effective_date"` // YYYY-MM-DD
	Reference     string `json:"reference,omitempty"`
	GiftAid       bool   `json:"gift_aid,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ErrMalformedPledge wraps every payload validation failure so callers can
// classify it as permanent.
var ErrMalformedPledge = errors.New("giving: malformed pledge payload")

// ParsePledge decodes and validates a stored payload.
func ParsePledge(raw json.RawMessage) (Pledge, error) {
	var p Pledge
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pledge{}, fmt.Errorf("%w: %v", ErrMalformedPledge, err)
	}
	if p.DonorRef == "" {
		return Pledge{}, fmt.Errorf("%w: donor_ref is required", ErrMalformedPledge)
	}
	if p.CharityRef == "" {
		return Pledge{}, fmt.Errorf("%w: charity_ref is required", ErrMalformedPledge)
	}
	if p.AmountPence <= 0 {
		return Pledge{}, fmt.Errorf("%w: amount_pence must be positive", ErrMalformedPledge)
	}
	if p.Currency == "" {
		p.Currency = "GBP"
	}
	if _, err := p.Effective(); err != nil {
		return Pledge{}, err
	}
	return p, nil
}

// Effective parses the pledge's effective date.
func (p Pledge) Effective() (time.Time, error) {
	t, err := time.Parse("2006-01-02", p.EffectiveDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: effective_date %q", ErrMalformedPledge, p.EffectiveDate)
	}
	return t, nil
}
