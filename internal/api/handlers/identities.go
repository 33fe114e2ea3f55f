package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Hikari-project/FD-Reid/internal/storage"
	"github.com/Hikari-project/FD-Reid/pkg/dto"
)

// IdentityStore is the read side of the feature store.
type IdentityStore interface {
	Count(ctx context.Context) (int, error)
	MaxIdentityID(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (*storage.FeatureRecord, error)
}

// SnapshotLister lists archived object keys under a prefix.
type SnapshotLister interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

type IdentityHandler struct {
	store     IdentityStore
	snapshots SnapshotLister
}

// NewIdentityHandler creates the identity handler. snapshots may be nil
// when no archive is configured.
func NewIdentityHandler(store IdentityStore, snapshots SnapshotLister) *IdentityHandler {
	return &IdentityHandler{store: store, snapshots: snapshots}
}

func (h *IdentityHandler) Summary(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.store.Count(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	maxID, err := h.store.MaxIdentityID(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.IdentitySummaryResponse{Count: count, MaxID: maxID})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	id, ok := identityParam(c)
	if !ok {
		return
	}

	rec, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, storage.ErrIdentityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.IdentityResponse{
		ID:       rec.IdentityID,
		LastUsed: rec.LastUsed.UTC().Format(time.RFC3339),
		Locked:   rec.Locked,
	})
}

// Snapshots lists the archived entry snapshots of one identity.
func (h *IdentityHandler) Snapshots(c *gin.Context) {
	id, ok := identityParam(c)
	if !ok {
		return
	}
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot archive not configured"})
		return
	}

	keys, err := h.snapshots.ListObjects(c.Request.Context(), fmt.Sprintf("snapshots/%d/", id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, dto.SnapshotListResponse{IdentityID: id, Snapshots: keys, Total: len(keys)})
}

func identityParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity id"})
		return 0, false
	}
	return id, true
}
