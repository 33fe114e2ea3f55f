package dto

// CountsResponse is the body of GET /v1/counts and /v1/counts/daily.
type CountsResponse struct {
	Enter   int64  `json:"enter"`
	Exit    int64  `json:"exit"`
	Pass    int64  `json:"pass"`
	ReEnter int64  `json:"re_enter"`
	Date    string `json:"date,omitempty"` // YYYYMMDD, daily counts only
}

// WSEvent is a WebSocket message for real-time event delivery.
type WSEvent struct {
	Type     string `json:"type"` // business_event
	CameraID string `json:"camera_id"`
	Data     any    `json:"data"`
}
