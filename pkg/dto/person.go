package dto

// IdentitySummaryResponse is the body of GET /v1/identities.
type IdentitySummaryResponse struct {
	Count int   `json:"count"`
	MaxID int64 `json:"max_id"`
}

type IdentityResponse struct {
	ID       int64  `json:"id"`
	LastUsed string `json:"last_used"`
	Locked   bool   `json:"locked"`
}

type SnapshotListResponse struct {
	IdentityID int64    `json:"identity_id"`
	Snapshots  []string `json:"snapshots"`
	Total      int      `json:"total"`
}
