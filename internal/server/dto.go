package server

import (
	"taskflow/internal/docstore"
	"taskflow/internal/domain"
)

type PutDocumentRequest struct {
	Fields docstore.Fields `json:"fields" doc:"Document fields. Timestamps are {\"$time\": RFC3339} and {\"$serverTime\": true}."`
}

type QueryResponse struct {
	Documents []docstore.Document `json:"documents"`
}

type WhoAmIResponse struct {
	Subject     string      `json:"subject"`
	DisplayName string      `json:"display_name"`
	Email       string      `json:"email,omitempty"`
	Role        domain.Role `json:"role" enum:"admin,worker"`
}

type CollectionsResponse struct {
	Collections []string `json:"collections"`
}

// WebhookDelivery is the body POSTed to change webhooks.
type WebhookDelivery struct {
	Delivery   uint64         `json:"delivery"`
	Collection string         `json:"collection"`
	Batch      docstore.Batch `json:"batch"`
}

func whoAmIResponse(p Principal) WhoAmIResponse {
	return WhoAmIResponse{
		Subject:     p.Subject,
		DisplayName: p.Viewer.DisplayName,
		Email:       p.Viewer.Email,
		Role:        p.Viewer.Role,
	}
}
