package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Hikari-project/FD-Reid/internal/eventlog"
	"github.com/Hikari-project/FD-Reid/pkg/dto"
)

const dayLayout = "20060102"

type CountsHandler struct {
	counters *eventlog.Counters
	logDir   string
	cooldown time.Duration
	now      func() time.Time
}

// NewCountsHandler serves the running counters and replays day files
// found under logDir.
func NewCountsHandler(counters *eventlog.Counters, logDir string, cooldown time.Duration) *CountsHandler {
	return &CountsHandler{counters: counters, logDir: logDir, cooldown: cooldown, now: time.Now}
}

func (h *CountsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, countsResponse(h.counters.Snapshot(), ""))
}

func (h *CountsHandler) Reset(c *gin.Context) {
	h.counters.Reset()
	c.JSON(http.StatusOK, countsResponse(h.counters.Snapshot(), ""))
}

// Daily replays the persisted business log of ?date=YYYYMMDD (default
// today).
func (h *CountsHandler) Daily(c *gin.Context) {
	day := h.now()
	if s := c.Query("date"); s != "" {
		d, err := time.ParseInLocation(dayLayout, s, time.Local)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYYMMDD"})
			return
		}
		day = d
	}

	counts, err := eventlog.CountsFromFile(eventlog.BusinessLogPath(h.logDir, day), h.cooldown)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, countsResponse(counts, day.Format(dayLayout)))
}

func countsResponse(c eventlog.Counts, date string) dto.CountsResponse {
	return dto.CountsResponse{
		Enter:   c.Enter,
		Exit:    c.Exit,
		Pass:    c.Pass,
		ReEnter: c.ReEnter,
		Date:    date,
	}
}
