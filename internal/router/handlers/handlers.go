package handlers

import (
	"ScrapbookComments/internal/models"
	"ScrapbookComments/internal/router/middleware"
	"context"
	"encoding/json"
	"errors"
	"github.com/gorilla/websocket"
	"github.com/wb-go/wbf/ginext"
	"go.uber.org/zap"
	"net/http"
)

type CommentService interface {
	Comments(ctx context.Context, entryID string) ([]models.Comment, error)
	Refresh(ctx context.Context, entryID string) ([]models.Comment, error)
	Subscribe(ctx context.Context, entryID string) (<-chan []models.Comment, func(), error)
	AddComment(ctx context.Context, caller models.Caller, entryID, content string) (string, error)
	AddReply(ctx context.Context, caller models.Caller, entryID, content, targetID string) (string, error)
	EditComment(ctx context.Context, caller models.Caller, commentID, content string) error
	DeleteComment(ctx context.Context, caller models.Caller, commentID string) error
	AddReaction(ctx context.Context, caller models.Caller, commentID string, rt models.ReactionType) (models.Reaction, error)
	RemoveReaction(ctx context.Context, caller models.Caller, commentID string, rt models.ReactionType) error
}

type CommentHandler struct {
	service  CommentService
	upgrader websocket.Upgrader
}

// NewCommentHandler builds the handlers. allowedOrigins limits websocket
// handshakes; an empty list or "*" allows any origin.
func NewCommentHandler(service CommentService, allowedOrigins []string) *CommentHandler {
	return &CommentHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *CommentHandler) Ping(c *ginext.Context) {
	c.JSON(http.StatusOK, ginext.H{"status": "ok"})
}

func (h *CommentHandler) GetComments(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	entryID := c.Param("entryId")

	var (
		comments []models.Comment
		err      error
	)
	if c.Query("refresh") == "true" {
		log.Debug("Refreshing comments", zap.String("entry_id", entryID))
		comments, err = h.service.Refresh(c.Request.Context(), entryID)
	} else {
		comments, err = h.service.Comments(c.Request.Context(), entryID)
	}
	if err != nil {
		log.Error("Failed to get comments", zap.String("entry_id", entryID), zap.Error(err))
		c.JSON(errorCodeDefiner(err), ginext.H{"error": "Failed to get comments"})
		return
	}
	c.JSON(http.StatusOK, ginext.H{"comments": comments})
}

func (h *CommentHandler) CreateComment(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	entryID := c.Param("entryId")
	req := &models.ContentRequest{}
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		log.Warn("Failed to decode request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ginext.H{"error": "Invalid request body"})
		return
	}

	id, err := h.service.AddComment(c.Request.Context(), callerFrom(c), entryID, req.Content)
	if err != nil {
		log.Error("Failed to create comment", zap.String("entry_id", entryID), zap.Error(err))
		status := errorCodeDefiner(err)
		c.JSON(status, ginext.H{"error": errorMessage(status, "Failed to create comment")})
		return
	}
	log.Debug("Created comment", zap.String("id", id))
	c.JSON(http.StatusCreated, ginext.H{"id": id})
}

func (h *CommentHandler) CreateReply(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	entryID := c.Param("entryId")
	targetID := c.Param("commentId")
	req := &models.ContentRequest{}
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		log.Warn("Failed to decode request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ginext.H{"error": "Invalid request body"})
		return
	}

	id, err := h.service.AddReply(c.Request.Context(), callerFrom(c), entryID, req.Content, targetID)
	if err != nil {
		log.Error("Failed to create reply", zap.String("target_id", targetID), zap.Error(err))
		status := errorCodeDefiner(err)
		c.JSON(status, ginext.H{"error": errorMessage(status, "Failed to create reply")})
		return
	}
	log.Debug("Created reply", zap.String("id", id))
	c.JSON(http.StatusCreated, ginext.H{"id": id})
}

func (h *CommentHandler) EditComment(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	id := c.Param("commentId")
	req := &models.ContentRequest{}
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		log.Warn("Failed to decode request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ginext.H{"error": "Invalid request body"})
		return
	}

	if err := h.service.EditComment(c.Request.Context(), callerFrom(c), id, req.Content); err != nil {
		log.Error("Failed to edit comment", zap.String("id", id), zap.Error(err))
		status := errorCodeDefiner(err)
		c.JSON(status, ginext.H{"error": errorMessage(status, "Failed to edit comment")})
		return
	}
	c.JSON(http.StatusOK, ginext.H{"id": id})
}

func (h *CommentHandler) DeleteComment(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	id := c.Param("commentId")
	log.Debug("Deleting comment", zap.String("id", id))

	if err := h.service.DeleteComment(c.Request.Context(), callerFrom(c), id); err != nil {
		log.Error("Failed to delete comment", zap.String("id", id), zap.Error(err))
		status := errorCodeDefiner(err)
		c.JSON(status, ginext.H{"error": errorMessage(status, "Failed to delete comment")})
		return
	}
	log.Debug("Deleted comment", zap.String("id", id))
	c.JSON(http.StatusOK, ginext.H{"id": id})
}

func (h *CommentHandler) AddReaction(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	id := c.Param("commentId")
	rt, ok := reactionType(c, log)
	if !ok {
		return
	}

	reaction, err := h.service.AddReaction(c.Request.Context(), callerFrom(c), id, rt)
	if err != nil {
		log.Error("Failed to add reaction", zap.String("comment_id", id), zap.Error(err))
		status := errorCodeDefiner(err)
		c.JSON(status, ginext.H{"error": errorMessage(status, "Failed to add reaction")})
		return
	}
	c.JSON(http.StatusCreated, ginext.H{"reaction": reaction})
}

func (h *CommentHandler) RemoveReaction(c *ginext.Context) {
	log := c.MustGet(middleware.LoggerKey).(*zap.Logger)
	id := c.Param("commentId")
	rt, ok := reactionType(c, log)
	if !ok {
		return
	}

	if err := h.service.RemoveReaction(c.Request.Context(), callerFrom(c), id, rt); err != nil {
		log.Error("Failed to remove reaction", zap.String("comment_id", id), zap.Error(err))
		status := errorCodeDefiner(err)
		c.JSON(status, ginext.H{"error": errorMessage(status, "Failed to remove reaction")})
		return
	}
	c.Status(http.StatusNoContent)
}

// reactionType reads the type from the reaction_type query parameter or the
// JSON body.
func reactionType(c *ginext.Context, log *zap.Logger) (models.ReactionType, bool) {
	if q := c.Query("reaction_type"); q != "" {
		return models.ReactionType(q), true
	}
	req := &models.ReactionRequest{}
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		log.Warn("Failed to decode request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ginext.H{"error": "Invalid request body"})
		return "", false
	}
	return req.ReactionType, true
}

func callerFrom(c *ginext.Context) models.Caller {
	if v, ok := c.Get(middleware.CallerKey); ok {
		if caller, ok := v.(models.Caller); ok {
			return caller
		}
	}
	return models.Caller{}
}

// errorMessage is the text sent to clients for status; the error itself only
// goes to the log.
func errorMessage(status int, fallback string) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid comment or reaction"
	case http.StatusUnauthorized:
		return "Authentication required"
	case http.StatusForbidden:
		return "Only the author can change this comment"
	case http.StatusNotFound:
		return "Comment not found"
	case http.StatusServiceUnavailable:
		return "Comments are temporarily unavailable"
	default:
		return fallback
	}
}

func errorCodeDefiner(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTransientGateway):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
