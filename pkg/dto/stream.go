package dto

// ZoneRequest is a zone configuration in the layout of the zone files:
// entry line b1, pass lines b2 and g2, region polygon points.
type ZoneRequest struct {
	B1     [][]float64 `json:"b1" binding:"required"`
	B2     [][]float64 `json:"b2" binding:"required"`
	G2     [][]float64 `json:"g2" binding:"required"`
	Points [][]float64 `json:"points" binding:"required"`
}

type StartSourceRequest struct {
	ID   string       `json:"id" binding:"required"`
	URL  string       `json:"url" binding:"required"`
	FPS  int          `json:"fps"`
	Zone *ZoneRequest `json:"zone,omitempty"`
}

type SourceActionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
