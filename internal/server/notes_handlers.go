package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/memoshare/internal/auth"
	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"github.com/MarcoPoloResearchLab/memoshare/internal/memos"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const headerMemoVersion = "X-Memo-Version"

type noteSummaryPayload struct {
	NoteID            int64  `json:"noteId"`
	Title             string `json:"title"`
	Content           string `json:"content"`
	Favorite          bool   `json:"favorite"`
	Version           int64  `json:"version"`
	MemberCount       int64  `json:"memberCount"`
	Shared            bool   `json:"shared"`
	ModifiedAtSeconds int64  `json:"modified_at_s"`
}

type listResponsePayload struct {
	Notes []noteSummaryPayload `json:"notes"`
}

type memberPayload struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
}

type noteDetailPayload struct {
	NoteID            int64           `json:"noteId"`
	Title             string          `json:"title"`
	Content           string          `json:"content"`
	Favorite          bool            `json:"favorite"`
	Version           int64           `json:"version"`
	CreatedAtSeconds  int64           `json:"created_at_s"`
	ModifiedAtSeconds int64           `json:"modified_at_s"`
	Members           []memberPayload `json:"members"`
	Editor            *memberPayload  `json:"editor"`
}

type createRequestPayload struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	UserIDs []int64 `json:"userIds"`
}

type updateRequestPayload struct {
	Title           *string `json:"title"`
	Content         *string `json:"content"`
	ExpectedVersion *int64  `json:"expectedVersion"`
	Favorite        *bool   `json:"favorite"`
}

type membersRequestPayload struct {
	UserIDs []int64 `json:"userIds"`
}

type lockResponsePayload struct {
	Holder     string `json:"holder"`
	Renewed    bool   `json:"renewed"`
	TTLSeconds int64  `json:"ttl_s"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	summaries, err := h.memos.List(c.Request.Context(), principal.UserID, memos.ListQuery{
		Filter: memos.ListFilter(c.Query("filter")),
		Search: c.Query("search"),
	})
	if err != nil {
		h.writeServiceError(c, "list_notes", err)
		return
	}

	response := listResponsePayload{Notes: make([]noteSummaryPayload, 0, len(summaries))}
	for _, summary := range summaries {
		response.Notes = append(response.Notes, noteSummaryPayload{
			NoteID:            summary.Memo.ID,
			Title:             summary.Memo.Title,
			Content:           summary.Memo.Content,
			Favorite:          summary.Memo.Favorite,
			Version:           summary.Memo.CurrentVersion(),
			MemberCount:       summary.MemberCount,
			Shared:            summary.Shared(),
			ModifiedAtSeconds: summary.Memo.ModifiedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	memo, err := h.memos.Create(c.Request.Context(), principal.UserID, memos.CreateRequest{
		Title:     request.Title,
		Content:   request.Content,
		MemberIDs: request.UserIDs,
	})
	if err != nil {
		h.writeServiceError(c, "create_note", err)
		return
	}

	h.publishToMembers(c.Request.Context(), memo.ID, principal.UserID, RealtimeMessage{
		EventType: RealtimeEventNoteChanged,
		NoteID:    memo.ID,
		Version:   memo.CurrentVersion(),
	})
	c.Header(headerMemoVersion, strconv.FormatInt(memo.CurrentVersion(), 10))
	c.JSON(http.StatusCreated, gin.H{"noteId": memo.ID})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	principal, memoID, ok := h.noteRequest(c)
	if !ok {
		return
	}

	detail, err := h.memos.Get(c.Request.Context(), principal.UserID, memoID)
	if err != nil {
		h.writeServiceError(c, "get_note", err)
		return
	}

	response := noteDetailPayload{
		NoteID:            detail.Memo.ID,
		Title:             detail.Memo.Title,
		Content:           detail.Memo.Content,
		Favorite:          detail.Memo.Favorite,
		Version:           detail.Memo.CurrentVersion(),
		CreatedAtSeconds:  detail.Memo.CreatedAtSeconds,
		ModifiedAtSeconds: detail.Memo.ModifiedAtSeconds,
		Members:           make([]memberPayload, 0, len(detail.Members)),
	}
	for _, member := range detail.Members {
		response.Members = append(response.Members, memberPayload{UserID: member.UserID, DisplayName: member.DisplayName})
	}
	if detail.Editor != nil {
		response.Editor = &memberPayload{UserID: detail.Editor.UserID, DisplayName: detail.Editor.DisplayName}
	}
	c.Header(headerMemoVersion, strconv.FormatInt(detail.Memo.CurrentVersion(), 10))
	c.JSON(http.StatusOK, response)
}

// handleUpdateNote accepts either a content edit guarded by expectedVersion
// or a favorite toggle, never both.
func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	principal, memoID, ok := h.noteRequest(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	contentEdit := request.Title != nil || request.Content != nil || request.ExpectedVersion != nil

	switch {
	case request.Favorite != nil && contentEdit:
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
	case request.Favorite != nil:
		if err := h.memos.SetFavorite(c.Request.Context(), principal.UserID, memoID, *request.Favorite); err != nil {
			h.writeServiceError(c, "set_favorite", err)
			return
		}
		h.publishToMembers(c.Request.Context(), memoID, principal.UserID, RealtimeMessage{
			EventType: RealtimeEventNoteChanged,
			NoteID:    memoID,
		})
		c.Status(http.StatusNoContent)
	default:
		edit := memos.ContentEdit{ExpectedVersion: request.ExpectedVersion}
		if request.Title != nil {
			edit.Title = *request.Title
		}
		if request.Content != nil {
			edit.Content = *request.Content
		}
		result, err := h.memos.UpdateContent(c.Request.Context(), principal.UserID, memoID, edit)
		if err != nil {
			h.metrics.recordEdit(editOutcome(err))
			h.writeServiceError(c, "update_note", err)
			return
		}
		h.metrics.recordEdit("applied")
		version := result.Memo.CurrentVersion()
		h.publishToMembers(c.Request.Context(), memoID, principal.UserID, RealtimeMessage{
			EventType: RealtimeEventNoteChanged,
			NoteID:    memoID,
			Version:   version,
		})
		if result.LockReleased {
			h.publishUnlocked(c.Request.Context(), memoID, principal.UserID)
		}
		c.Header(headerMemoVersion, strconv.FormatInt(version, 10))
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	principal, memoID, ok := h.noteRequest(c)
	if !ok {
		return
	}

	outcome, err := h.memos.Delete(c.Request.Context(), principal.UserID, memoID)
	if err != nil {
		h.writeServiceError(c, "delete_note", err)
		return
	}
	if !outcome.MemoDeleted {
		h.publishToMembers(c.Request.Context(), memoID, principal.UserID, RealtimeMessage{
			EventType: RealtimeEventNoteChanged,
			NoteID:    memoID,
		})
		if outcome.LockReleased {
			h.publishUnlocked(c.Request.Context(), memoID, principal.UserID)
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInviteMembers(c *gin.Context) {
	principal, memoID, ok := h.noteRequest(c)
	if !ok {
		return
	}
	var request membersRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	if err := h.memos.Invite(c.Request.Context(), principal.UserID, memoID, request.UserIDs); err != nil {
		h.writeServiceError(c, "invite_members", err)
		return
	}
	h.publishToMembers(c.Request.Context(), memoID, principal.UserID, RealtimeMessage{
		EventType: RealtimeEventNoteChanged,
		NoteID:    memoID,
	})
	c.Status(http.StatusCreated)
}

// handleEnterEditMode is polled by clients while they edit; a repeated call
// by the holder renews the lock.
func (h *httpHandler) handleEnterEditMode(c *gin.Context) {
	principal, memoID, ok := h.noteRequest(c)
	if !ok {
		return
	}

	acquisition, err := h.memos.EnterEditMode(c.Request.Context(), principal.UserID, memoID, principal.DisplayName)
	if err != nil {
		h.metrics.recordLock(lockOutcome(err))
		h.writeServiceError(c, "enter_edit_mode", err)
		return
	}
	if !acquisition.Shared {
		h.metrics.recordLock("not_shared")
		c.Status(http.StatusNoContent)
		return
	}
	if acquisition.Renewed {
		h.metrics.recordLock("renewed")
	} else {
		h.metrics.recordLock("acquired")
		h.publishToMembers(c.Request.Context(), memoID, principal.UserID, RealtimeMessage{
			EventType: RealtimeEventNoteLocked,
			NoteID:    memoID,
			Holder:    acquisition.Holder.DisplayName,
		})
	}
	c.JSON(http.StatusCreated, lockResponsePayload{
		Holder:     acquisition.Holder.DisplayName,
		Renewed:    acquisition.Renewed,
		TTLSeconds: int64(acquisition.TTL / time.Second),
	})
}

func (h *httpHandler) handleExitEditMode(c *gin.Context) {
	principal, memoID, ok := h.noteRequest(c)
	if !ok {
		return
	}

	released, err := h.memos.ExitEditMode(c.Request.Context(), principal.UserID, memoID)
	if err != nil {
		h.writeServiceError(c, "exit_edit_mode", err)
		return
	}
	if released {
		h.publishUnlocked(c.Request.Context(), memoID, principal.UserID)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) noteRequest(c *gin.Context) (auth.Principal, int64, bool) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Principal{}, 0, false
	}
	memoID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || memoID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return auth.Principal{}, 0, false
	}
	return principal, memoID, true
}

// publishToMembers notifies the other members of a memo. Delivery is best effort.
func (h *httpHandler) publishToMembers(ctx context.Context, memoID, actorID int64, message RealtimeMessage) {
	memberIDs, err := h.memos.MemberIDs(ctx, memoID)
	if err != nil {
		h.logger.Warn("realtime fan-out skipped", zap.Int64("memo_id", memoID), zap.Error(err))
		return
	}
	message.Timestamp = time.Now().UTC()
	h.realtime.PublishToUsers(memberIDs, actorID, message)
}

// publishUnlocked announces a lock removal. Call it only when a key was deleted.
func (h *httpHandler) publishUnlocked(ctx context.Context, memoID, actorID int64) {
	h.publishToMembers(ctx, memoID, actorID, RealtimeMessage{
		EventType: RealtimeEventNoteUnlocked,
		NoteID:    memoID,
	})
}

func editOutcome(err error) string {
	switch {
	case isLocked(err):
		return "locked"
	case isConflict(err):
		return "conflict"
	default:
		return "rejected"
	}
}

func lockOutcome(err error) string {
	if isLocked(err) {
		return "denied"
	}
	return "failed"
}

func isLocked(err error) bool {
	return errors.Is(err, editlock.ErrLocked)
}

func isConflict(err error) bool {
	return errors.Is(err, memos.ErrConflict)
}
