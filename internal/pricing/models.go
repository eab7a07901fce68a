package pricing

import "time"

// Prices is what a callee charges for incoming calls.
// Amounts are expressed in minor units (e.g., cents) using int64.
type Prices struct {
	CalleeID string `json:"calleeId" db:"callee_id"`

	VoiceEnabled bool `json:"voiceEnabled" db:"voice_enabled"`
	VideoEnabled bool `json:"videoEnabled" db:"video_enabled"`

	VoicePricePerMinute int64 `json:"voicePricePerMinute" db:"voice_price_per_minute"`
	VideoPricePerMinute int64 `json:"videoPricePerMinute" db:"video_price_per_minute"`

	Currency string `json:"currency,omitempty" db:"currency"`

	UpdatedAt time.Time `json:"updatedAt,omitempty" db:"updated_at"`
}

// Rate returns the per-minute price for voice or video and whether the callee
// accepts that kind of call at all.
func (p Prices) Rate(video bool) (int64, bool) {
	if video {
		return p.VideoPricePerMinute, p.VideoEnabled
	}
	return p.VoicePricePerMinute, p.VoiceEnabled
}

// Cost is the charge for one finished call.
type Cost struct {
	BillableSeconds    int
	BillableMinutes    int
	RatePerMinuteMinor int64
	TotalMinor         int64
}
