package handlers

import (
	"net/http"
	"sync"
	"time"

	"heimdall/internal/api/middleware"
	"heimdall/internal/core"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// verifyChildAccess loads the child and checks that the caller belongs
// to the same family. Writes the error response itself on failure.
func verifyChildAccess(c *gin.Context, store storage.Store, childID string) (*core.User, bool) {
	user := middleware.GetCurrentUser(c)

	child, err := store.GetUser(c.Request.Context(), childID)
	if err != nil && err != core.ErrUserNotFound {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return nil, false
	}
	if err == core.ErrUserNotFound || child.Role != core.RoleChild {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Child not found",
			"code":  "CHILD_NOT_FOUND",
		})
		return nil, false
	}
	if user == nil || child.FamilyID != user.FamilyID {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "You are not a member of this family",
			"code":  "FAMILY_ACCESS_DENIED",
		})
		return nil, false
	}
	return child, true
}

// verifyFamilyAccess checks that the caller belongs to the family named
// in the route. Writes the error response itself on failure.
func verifyFamilyAccess(c *gin.Context, familyID string) bool {
	user := middleware.GetCurrentUser(c)
	if user == nil || user.FamilyID != familyID {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "You are not a member of this family",
			"code":  "FAMILY_ACCESS_DENIED",
		})
		return false
	}
	return true
}

// currentUserID returns the id of the authenticated portal user
func currentUserID(c *gin.Context) string {
	if user := middleware.GetCurrentUser(c); user != nil {
		return user.ID
	}
	return ""
}

// validationError maps model validation sentinels to a 400 response.
// Returns true when err was one of them.
func validationError(c *gin.Context, err error) bool {
	switch err {
	case core.ErrInvalidName, core.ErrInvalidTimezone, core.ErrInvalidRole,
		core.ErrInvalidDeviceType, core.ErrNoDayTypes, core.ErrInvalidTimeWindow,
		core.ErrNoAppIdentifier, core.ErrInvalidStreakDays, core.ErrInvalidRewardValue,
		core.ErrInvalidTANValue, core.ErrInvalidRecurrence, core.ErrInvalidTriggerType:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  "VALIDATION_FAILED",
		})
		return true
	}
	return false
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// syncConn serializes writes to one websocket. The push registry and
// the handler's read loop both write to the same socket.
type syncConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSyncConn(conn *websocket.Conn) *syncConn {
	return &syncConn{conn: conn}
}

func (s *syncConn) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *syncConn) Close() error {
	return s.conn.Close()
}

// writeClose sends a close frame with the given code before the
// connection is torn down.
func (s *syncConn) writeClose(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
