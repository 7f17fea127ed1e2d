package chat

import "time"

// QuoteState is the lifecycle position of a quote. A room without any quote
// is in QuoteNone.
type QuoteState string

const (
	QuoteNone     QuoteState = ""
	QuoteOffered  QuoteState = "offered"
	QuoteAccepted QuoteState = "accepted"
	QuoteDeclined QuoteState = "declined"
	QuoteExpired  QuoteState = "expired"
)

// Terminal reports whether no further transition is possible for the quote.
func (s QuoteState) Terminal() bool {
	return s == QuoteAccepted || s == QuoteDeclined || s == QuoteExpired
}

func (s QuoteState) Valid() bool {
	return s == QuoteOffered || s.Terminal()
}

// Quote is a time-bounded price offer made by a guide in a guide room.
type Quote struct {
	ID        string     `json:"quoteId"`
	RoomID    string     `json:"roomId"`
	GuideID   string     `json:"guideId"`
	ClientID  string     `json:"clientId"`
	Amount    float64    `json:"amount"`
	Currency  string     `json:"currency,omitempty"`
	Note      string     `json:"note,omitempty"`
	ExpiresAt time.Time  `json:"expiresAt"`
	State     QuoteState `json:"state"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Remaining is the countdown shown next to an offered quote.
func (q Quote) Remaining(now time.Time) time.Duration {
	if q.State != QuoteOffered {
		return 0
	}
	d := q.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// QuoteInput is submitted by a guide creating a quote.
type QuoteInput struct {
	RoomID   string  `json:"roomId" validate:"required"`
	Amount   float64 `json:"amount" validate:"gt=0"`
	Currency string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Note     string  `json:"note,omitempty" validate:"max=500"`
	// TTL is how long the offer stays open. Zero lets the server decide.
	TTL time.Duration `json:"ttl,omitempty" validate:"gte=0"`
}

func (in *QuoteInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return E("QuoteInput.Validate", ErrValidation, translate(err))
	}
	return nil
}
