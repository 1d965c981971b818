package svcclient

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Document lifecycle states reported by EDMS.
const (
	DocumentDraft     = "DRAFT"
	DocumentInReview  = "IN_REVIEW"
	DocumentApproved  = "APPROVED"
	DocumentEffective = "EFFECTIVE"
	DocumentRetired   = "RETIRED"
	DocumentUnknown   = "UNKNOWN"
)

// DocumentStatus is the EDMS view of a controlled document.
type DocumentStatus struct {
	DocumentID    string    `json:"document_id"`
	Number        string    `json:"number,omitempty"`
	Version       string    `json:"version,omitempty"`
	Status        string    `json:"status"`
	EffectiveDate time.Time `json:"effective_date,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
}

// Effective reports whether the document may be used on the floor. Unknown
// states are not effective.
func (d DocumentStatus) Effective() bool {
	return d.Status == DocumentEffective
}

// DocumentClient calls EDMS.
type DocumentClient struct {
	c *Client
}

func NewDocumentClient(c *Client) *DocumentClient {
	return &DocumentClient{c: c}
}

func (d *DocumentClient) DocumentStatus(ctx context.Context, documentID string) (DocumentStatus, error) {
	return WithFallback(d.c.breaker, func() (DocumentStatus, error) {
		var out DocumentStatus
		err := d.c.roundTrip(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(documentID)+"/status", nil, &out)
		return out, err
	}, func(error) DocumentStatus {
		return DocumentStatus{DocumentID: documentID, Status: DocumentUnknown, Degraded: true}
	})
}
