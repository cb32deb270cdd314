package service

import (
	"ScrapbookComments/internal/cache"
	"ScrapbookComments/internal/models"
	"ScrapbookComments/internal/tree"
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"html"
	"strings"
	"time"
)

const (
	DefaultGatewayTimeout = 15 * time.Second

	tempReactionPrefix = "temp-"
	maxSanitizePasses  = 5
)

// Gateway is the durable store behind the comment cache.
type Gateway interface {
	ListComments(ctx context.Context, entryID string) ([]models.RawComment, error)
	GetComment(ctx context.Context, id string) (*models.RawComment, error)
	InsertComment(ctx context.Context, c models.NewComment) (*models.RawComment, error)
	UpdateComment(ctx context.Context, id, authorID, content string, at time.Time) (*models.RawComment, error)
	DeleteComment(ctx context.Context, id, authorID string) error
	InsertReaction(ctx context.Context, commentID, userID string, rt models.ReactionType) (*models.Reaction, error)
	DeleteReaction(ctx context.Context, commentID, userID string, rt models.ReactionType) error
}

type Service struct {
	gw         Gateway
	store      *cache.Store
	normalizer *tree.Normalizer
	policy     *bluemonday.Policy
	timeout    time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewService(gw Gateway, normalizer *tree.Normalizer, cacheSize int, timeout time.Duration, log *zap.Logger) (*Service, error) {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	s := &Service{
		gw:         gw,
		normalizer: normalizer,
		policy:     bluemonday.StrictPolicy(),
		timeout:    timeout,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.Named("service"),
	}
	store, err := cache.NewStore(cache.LoaderFunc(s.load), cacheSize, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create comment cache: %w", err)
	}
	s.store = store
	return s, nil
}

// Comments returns the entry's tree, loading it on first access.
func (s *Service) Comments(ctx context.Context, entryID string) ([]models.Comment, error) {
	if s.store.Loaded(entryID) {
		return s.store.Get(entryID), nil
	}
	comments, err := s.store.Revalidate(ctx, entryID)
	if err != nil {
		s.log.Error("Failed to load comments", zap.String("entry_id", entryID), zap.Error(err))
		return nil, err
	}
	return comments, nil
}

func (s *Service) Refresh(ctx context.Context, entryID string) ([]models.Comment, error) {
	comments, err := s.store.Revalidate(ctx, entryID)
	if err != nil {
		s.log.Error("Failed to refresh comments", zap.String("entry_id", entryID), zap.Error(err))
		return nil, err
	}
	return comments, nil
}

// Subscribe streams the entry's tree. The returned func must be called to
// release the subscription.
func (s *Service) Subscribe(ctx context.Context, entryID string) (<-chan []models.Comment, func(), error) {
	updates, cancel := s.store.Subscribe(entryID)
	if !s.store.Loaded(entryID) {
		if _, err := s.store.Revalidate(ctx, entryID); err != nil {
			cancel()
			s.log.Error("Failed to load comments for subscriber", zap.String("entry_id", entryID), zap.Error(err))
			return nil, nil, err
		}
	}
	return updates, cancel, nil
}

func (s *Service) AddComment(ctx context.Context, caller models.Caller, entryID, content string) (string, error) {
	s.log.Debug("Adding comment", zap.String("entry_id", entryID), zap.String("user_id", caller.ID))
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	if strings.TrimSpace(entryID) == "" {
		return "", fmt.Errorf("entry id is required: %w", models.ErrValidation)
	}
	clean, err := s.cleanContent(content)
	if err != nil {
		return "", err
	}

	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	created, err := s.gw.InsertComment(gctx, models.NewComment{
		EntryID:    entryID,
		AuthorID:   caller.ID,
		AuthorName: caller.DisplayName,
		Content:    clean,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Error("Failed to create comment", zap.String("entry_id", entryID), zap.Error(err))
		return "", gatewayErr("failed to create comment", err)
	}

	s.appendCreated(entryID, *created)
	s.revalidate(ctx, entryID)
	return created.ID, nil
}

// AddReply attaches a reply to the thread of targetID. Replying to a reply
// attaches to that reply's top-level comment.
func (s *Service) AddReply(ctx context.Context, caller models.Caller, entryID, content, targetID string) (string, error) {
	s.log.Debug("Adding reply", zap.String("entry_id", entryID), zap.String("target_id", targetID))
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	clean, err := s.cleanContent(content)
	if err != nil {
		return "", err
	}

	target, err := s.durable(ctx, targetID)
	if err != nil {
		return "", err
	}
	if target.EntryID != entryID {
		return "", fmt.Errorf("comment %s is not part of entry %s: %w", targetID, entryID, models.ErrValidation)
	}
	parentID := tree.ResolveTopLevelParent(models.Comment{ID: target.ID, ParentID: target.ParentID})
	if parentID != target.ID {
		if _, err := s.durable(ctx, parentID); err != nil {
			s.log.Warn("Reply target has no parent thread", zap.String("target_id", targetID), zap.String("parent_id", parentID), zap.Error(err))
			return "", err
		}
	}

	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	created, err := s.gw.InsertComment(gctx, models.NewComment{
		EntryID:    entryID,
		ParentID:   &parentID,
		AuthorID:   caller.ID,
		AuthorName: caller.DisplayName,
		Content:    clean,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Error("Failed to create reply", zap.String("parent_id", parentID), zap.Error(err))
		return "", gatewayErr("failed to create reply", err)
	}

	s.appendCreated(entryID, *created)
	s.revalidate(ctx, entryID)
	return created.ID, nil
}

func (s *Service) EditComment(ctx context.Context, caller models.Caller, commentID, content string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	clean, err := s.cleanContent(content)
	if err != nil {
		return err
	}
	target, err := s.owned(ctx, caller, commentID)
	if err != nil {
		return err
	}

	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	updated, err := s.gw.UpdateComment(gctx, commentID, caller.ID, clean, s.now())
	if err != nil {
		s.log.Error("Failed to update comment", zap.String("id", commentID), zap.Error(err))
		return gatewayErr("failed to update comment", err)
	}

	s.merge(target.EntryID, *updated)
	s.revalidate(ctx, target.EntryID)
	return nil
}

// DeleteComment removes a comment written by caller. Its replies stay in the
// database and drop out of the rendered tree.
func (s *Service) DeleteComment(ctx context.Context, caller models.Caller, commentID string) error {
	s.log.Debug("Deleting comment", zap.String("id", commentID), zap.String("user_id", caller.ID))
	if err := requireCaller(caller); err != nil {
		return err
	}
	target, err := s.owned(ctx, caller, commentID)
	if err != nil {
		return err
	}

	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.gw.DeleteComment(gctx, commentID, caller.ID); err != nil {
		s.log.Error("Failed to delete comment", zap.String("id", commentID), zap.Error(err))
		return gatewayErr("failed to delete comment", err)
	}

	s.store.Commit(cache.Pending{EntryID: target.EntryID}, func(cs []models.Comment) []models.Comment {
		return tree.RemoveComment(cs, commentID)
	})
	s.revalidate(ctx, target.EntryID)
	return nil
}

// AddReaction is idempotent per comment, user and reaction type: an existing
// reaction is returned as is.
func (s *Service) AddReaction(ctx context.Context, caller models.Caller, commentID string, rt models.ReactionType) (models.Reaction, error) {
	if err := requireCaller(caller); err != nil {
		return models.Reaction{}, err
	}
	if !rt.Valid() {
		return models.Reaction{}, fmt.Errorf("unknown reaction type %q: %w", rt, models.ErrValidation)
	}
	entryID, err := s.entryOf(ctx, commentID)
	if err != nil {
		return models.Reaction{}, err
	}
	if existing, ok := tree.FindReaction(s.store.Committed(entryID), commentID, caller.ID, rt); ok {
		s.log.Debug("Reaction already present", zap.String("comment_id", commentID), zap.String("reaction_id", existing.ID))
		return existing, nil
	}

	temp := models.Reaction{
		ID:           tempReactionPrefix + uuid.New().String(),
		CommentID:    commentID,
		UserID:       caller.ID,
		ReactionType: rt,
		CreatedAt:    s.now(),
	}
	pending := s.store.ApplyOptimistic(entryID, func(cs []models.Comment) []models.Comment {
		return tree.AddReaction(cs, temp)
	})

	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	created, err := s.gw.InsertReaction(gctx, commentID, caller.ID, rt)
	if err != nil {
		s.store.Discard(pending)
		s.log.Error("Failed to add reaction", zap.String("comment_id", commentID), zap.Error(err))
		return models.Reaction{}, gatewayErr("failed to add reaction", err)
	}

	s.store.Commit(pending, func(cs []models.Comment) []models.Comment {
		return tree.ReplaceReaction(cs, temp.ID, *created)
	})
	s.revalidate(ctx, entryID)
	return *created, nil
}

func (s *Service) RemoveReaction(ctx context.Context, caller models.Caller, commentID string, rt models.ReactionType) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if !rt.Valid() {
		return fmt.Errorf("unknown reaction type %q: %w", rt, models.ErrValidation)
	}
	entryID, err := s.entryOf(ctx, commentID)
	if err != nil {
		return err
	}

	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.gw.DeleteReaction(gctx, commentID, caller.ID, rt); err != nil {
		s.log.Error("Failed to remove reaction", zap.String("comment_id", commentID), zap.Error(err))
		return gatewayErr("failed to remove reaction", err)
	}

	s.store.Commit(cache.Pending{EntryID: entryID}, func(cs []models.Comment) []models.Comment {
		return tree.RemoveReaction(cs, commentID, caller.ID, rt)
	})
	s.revalidate(ctx, entryID)
	return nil
}

func (s *Service) load(ctx context.Context, entryID string) ([]models.Comment, error) {
	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.gw.ListComments(gctx, entryID)
	if err != nil {
		return nil, gatewayErr("failed to list comments", err)
	}
	return s.normalizer.Normalize(entryID, raw), nil
}

// revalidate runs after a confirmed mutation; the confirmed record is already
// in the store, so a failure here is only logged.
func (s *Service) revalidate(ctx context.Context, entryID string) {
	if _, err := s.store.Revalidate(ctx, entryID); err != nil {
		s.log.Warn("Failed to revalidate entry", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (s *Service) appendCreated(entryID string, record models.RawComment) {
	s.store.Commit(cache.Pending{EntryID: entryID}, func(cs []models.Comment) []models.Comment {
		return tree.AppendComment(cs, tree.FromRecord(record))
	})
}

func (s *Service) merge(entryID string, record models.RawComment) {
	s.store.Commit(cache.Pending{EntryID: entryID}, func(cs []models.Comment) []models.Comment {
		return tree.Merge(cs, record)
	})
}

func (s *Service) durable(ctx context.Context, commentID string) (*models.RawComment, error) {
	gctx, cancel := s.withTimeout(ctx)
	defer cancel()
	c, err := s.gw.GetComment(gctx, commentID)
	if err != nil {
		return nil, gatewayErr("failed to get comment", err)
	}
	return c, nil
}

// owned loads the durable record and checks that caller wrote it.
func (s *Service) owned(ctx context.Context, caller models.Caller, commentID string) (*models.RawComment, error) {
	c, err := s.durable(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if c.AuthorID != caller.ID {
		s.log.Warn("Rejected change to another user's comment",
			zap.String("id", commentID),
			zap.String("user_id", caller.ID),
			zap.String("author_id", c.AuthorID),
		)
		return nil, fmt.Errorf("comment %s: %w", commentID, models.ErrForbidden)
	}
	return c, nil
}

func (s *Service) entryOf(ctx context.Context, commentID string) (string, error) {
	if entryID, ok := s.store.EntryOf(commentID); ok {
		return entryID, nil
	}
	c, err := s.durable(ctx, commentID)
	if err != nil {
		return "", err
	}
	return c.EntryID, nil
}

// cleanContent strips markup and surrounding whitespace. The result is plain
// text that sanitizes to itself, so escaped markup cannot survive as tags.
func (s *Service) cleanContent(content string) (string, error) {
	clean := content
	stable := false
	for range maxSanitizePasses {
		next := html.UnescapeString(s.policy.Sanitize(clean))
		if next == clean {
			stable = true
			break
		}
		clean = next
	}
	if !stable {
		return "", fmt.Errorf("content keeps nesting markup: %w", models.ErrValidation)
	}
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return "", fmt.Errorf("content is empty: %w", models.ErrValidation)
	}
	return clean, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func requireCaller(caller models.Caller) error {
	if strings.TrimSpace(caller.ID) == "" {
		return fmt.Errorf("caller identity is missing: %w", models.ErrUnauthorized)
	}
	return nil
}

// gatewayErr keeps domain errors reported by the gateway and classifies
// everything else, timeouts included, as transient.
func gatewayErr(msg string, err error) error {
	for _, known := range []error{models.ErrNotFound, models.ErrUnauthorized, models.ErrValidation, models.ErrTransientGateway} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", msg, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", msg, models.ErrTransientGateway, err)
}
