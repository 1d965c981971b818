package svcclient

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Qualification says whether a user is trained on an SOP.
type Qualification struct {
	UserID    string    `json:"user_id"`
	SOPCode   string    `json:"sop_code"`
	Qualified bool      `json:"qualified"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// TrainingClient calls the HR training service.
type TrainingClient struct {
	c *Client
}

func NewTrainingClient(c *Client) *TrainingClient {
	return &TrainingClient{c: c}
}

// IsQualified reports the user's training status for sopCode. Without an
// answer from HR the user is not qualified.
func (t *TrainingClient) IsQualified(ctx context.Context, userID, sopCode string) (Qualification, error) {
	return WithFallback(t.c.breaker, func() (Qualification, error) {
		q := url.Values{"user_id": {userID}, "sop": {sopCode}}
		var out Qualification
		err := t.c.roundTrip(ctx, http.MethodGet, "/api/v1/training/qualifications?"+q.Encode(), nil, &out)
		return out, err
	}, func(error) Qualification {
		return Qualification{UserID: userID, SOPCode: sopCode, Qualified: false, Degraded: true}
	})
}
