package repository

import (
	"ScrapbookComments/internal/models"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"os"
	"path/filepath"
	"time"
)

type Repository struct {
	db  *dbpg.DB
	log *zap.Logger
}

const (
	commentColumns = `id,entry_id,parent_id,author_id,author_name,content,created_at,updated_at,is_edited`

	listCommentsQuery   = `SELECT ` + commentColumns + ` FROM comments WHERE entry_id = $1 ORDER BY created_at ASC`
	listReactionsQuery  = `SELECT r.id,r.comment_id,r.user_id,r.reaction_type,r.created_at FROM comment_reactions r JOIN comments c ON c.id = r.comment_id WHERE c.entry_id = $1 ORDER BY r.created_at ASC`
	getCommentQuery     = `SELECT ` + commentColumns + ` FROM comments WHERE id = $1`
	getReactionsQuery   = `SELECT id,comment_id,user_id,reaction_type,created_at FROM comment_reactions WHERE comment_id = $1 ORDER BY created_at ASC`
	insertCommentQuery  = `INSERT INTO comments (id,entry_id,parent_id,author_id,author_name,content,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$7) RETURNING ` + commentColumns
	updateCommentQuery  = `UPDATE comments SET content = $1, is_edited = TRUE, updated_at = $2 WHERE id = $3 AND author_id = $4 RETURNING ` + commentColumns
	deleteCommentQuery  = `DELETE FROM comments WHERE id = $1 AND author_id = $2`
	commentExistsQuery  = `SELECT EXISTS (SELECT 1 FROM comments WHERE id = $1)`
	insertReactionQuery = `INSERT INTO comment_reactions (id,comment_id,user_id,reaction_type,created_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (comment_id,user_id,reaction_type) DO NOTHING RETURNING id,comment_id,user_id,reaction_type,created_at`
	getReactionQuery    = `SELECT id,comment_id,user_id,reaction_type,created_at FROM comment_reactions WHERE comment_id = $1 AND user_id = $2 AND reaction_type = $3`
	deleteReactionQuery = `DELETE FROM comment_reactions WHERE comment_id = $1 AND user_id = $2 AND reaction_type = $3`

	foreignKeyViolation = "23503"
)

var (
	retryStrategy = retry.Strategy{
		Attempts: 5,
		Delay:    time.Millisecond,
		Backoff:  2,
	}
)

type scanner interface {
	Scan(dest ...any) error
}

func NewRepository(masterDSN string, slaveDSNs []string, log *zap.Logger) (*Repository, error) {
	opts := dbpg.Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 10 * time.Minute,
	}
	db, err := dbpg.New(masterDSN, slaveDSNs, &opts)
	if err != nil {
		log.Error("Failed to connect to database", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("Starting database migrations")

	if err := runMigrations(masterDSN); err != nil {
		log.Error("Failed to run migrations", zap.Error(err))
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	log.Info("Successfully migrated database")

	return &Repository{db: db, log: log.Named("repository")}, nil
}

func (r *Repository) Close() error {
	return r.db.Master.Close()
}

// ListComments returns every comment of the entry as flat records pointing at
// their parent, each carrying its reactions.
func (r *Repository) ListComments(ctx context.Context, entryID string) ([]models.RawComment, error) {
	var (
		comments  []models.RawComment
		reactions []models.Reaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.db.QueryWithRetry(gctx, retryStrategy, listCommentsQuery, entryID)
		if err != nil {
			return fmt.Errorf("failed to list comments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanComment(rows)
			if err != nil {
				return fmt.Errorf("failed to scan comment: %w", err)
			}
			comments = append(comments, c)
		}
		return rows.Err()
	})
	g.Go(func() error {
		rows, err := r.db.QueryWithRetry(gctx, retryStrategy, listReactionsQuery, entryID)
		if err != nil {
			return fmt.Errorf("failed to list reactions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			re, err := scanReaction(rows)
			if err != nil {
				return fmt.Errorf("failed to scan reaction: %w", err)
			}
			reactions = append(reactions, re)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		r.log.Error("Failed to list comments", zap.String("entry_id", entryID), zap.Error(err))
		return nil, err
	}

	byComment := make(map[string][]models.Reaction, len(comments))
	for _, re := range reactions {
		byComment[re.CommentID] = append(byComment[re.CommentID], re)
	}
	for i := range comments {
		comments[i].Reactions = byComment[comments[i].ID]
	}
	return comments, nil
}

func (r *Repository) GetComment(ctx context.Context, id string) (*models.RawComment, error) {
	row, err := r.db.QueryRowWithRetry(ctx, retryStrategy, getCommentQuery, id)
	if err != nil {
		r.log.Error("Failed to get comment by ID", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get comment by ID: %w", err)
	}
	comment, err := scanComment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("comment %s: %w", id, models.ErrNotFound)
		}
		r.log.Error("Failed to scan comment by ID", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get comment by ID: %w", err)
	}

	rows, err := r.db.QueryWithRetry(ctx, retryStrategy, getReactionsQuery, id)
	if err != nil {
		r.log.Error("Failed to get reactions", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		re, err := scanReaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		comment.Reactions = append(comment.Reactions, re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get reactions: %w", err)
	}
	return &comment, nil
}

func (r *Repository) InsertComment(ctx context.Context, c models.NewComment) (*models.RawComment, error) {
	id := uuid.New().String()
	row, err := r.db.QueryRowWithRetry(ctx, retryStrategy, insertCommentQuery,
		id, c.EntryID, c.ParentID, c.AuthorID, c.AuthorName, c.Content, c.CreatedAt)
	if err != nil {
		r.log.Error("Failed to create comment in DB", zap.Error(err))
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	created, err := scanComment(row)
	if err != nil {
		r.log.Error("Failed to scan created comment", zap.Error(err))
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	return &created, nil
}

func (r *Repository) UpdateComment(ctx context.Context, id, authorID, content string, at time.Time) (*models.RawComment, error) {
	row, err := r.db.QueryRowWithRetry(ctx, retryStrategy, updateCommentQuery, content, at, id, authorID)
	if err != nil {
		r.log.Error("Failed to update comment", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	updated, err := scanComment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.missingOrForeign(ctx, id)
		}
		r.log.Error("Failed to scan updated comment", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	return &updated, nil
}

// DeleteComment removes the comment only when authorID wrote it. Replies are
// left in place; reactions go with the comment via the foreign key.
func (r *Repository) DeleteComment(ctx context.Context, id, authorID string) error {
	res, err := r.db.ExecWithRetry(ctx, retryStrategy, deleteCommentQuery, id, authorID)
	if err != nil {
		r.log.Error("Failed to delete comment", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	if affected == 0 {
		return r.missingOrForeign(ctx, id)
	}
	return nil
}

// InsertReaction is idempotent: an existing reaction for the same comment,
// user and type is returned instead of a new one.
func (r *Repository) InsertReaction(ctx context.Context, commentID, userID string, rt models.ReactionType) (*models.Reaction, error) {
	row, err := r.db.QueryRowWithRetry(ctx, retryStrategy, insertReactionQuery,
		uuid.New().String(), commentID, userID, string(rt), time.Now().UTC())
	if err != nil {
		return nil, r.reactionErr(commentID, err)
	}
	created, err := scanReaction(row)
	if err == nil {
		return &created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, r.reactionErr(commentID, err)
	}

	row, err = r.db.QueryRowWithRetry(ctx, retryStrategy, getReactionQuery, commentID, userID, string(rt))
	if err != nil {
		return nil, r.reactionErr(commentID, err)
	}
	existing, err := scanReaction(row)
	if err != nil {
		return nil, r.reactionErr(commentID, err)
	}
	return &existing, nil
}

func (r *Repository) DeleteReaction(ctx context.Context, commentID, userID string, rt models.ReactionType) error {
	if _, err := r.db.ExecWithRetry(ctx, retryStrategy, deleteReactionQuery, commentID, userID, string(rt)); err != nil {
		r.log.Error("Failed to delete reaction", zap.String("comment_id", commentID), zap.Error(err))
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	return nil
}

func (r *Repository) missingOrForeign(ctx context.Context, id string) error {
	row, err := r.db.QueryRowWithRetry(ctx, retryStrategy, commentExistsQuery, id)
	if err != nil {
		return fmt.Errorf("failed to check comment: %w", err)
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("failed to check comment: %w", err)
	}
	if !exists {
		return fmt.Errorf("comment %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("comment %s: %w", id, models.ErrForbidden)
}

func (r *Repository) reactionErr(commentID string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == foreignKeyViolation {
		return fmt.Errorf("comment %s: %w", commentID, models.ErrNotFound)
	}
	r.log.Error("Failed to create reaction", zap.String("comment_id", commentID), zap.Error(err))
	return fmt.Errorf("failed to create reaction: %w", err)
}

func scanComment(s scanner) (models.RawComment, error) {
	var c models.RawComment
	err := s.Scan(&c.ID, &c.EntryID, &c.ParentID, &c.AuthorID, &c.AuthorName, &c.Content, &c.CreatedAt, &c.UpdatedAt, &c.IsEdited)
	return c, err
}

func scanReaction(s scanner) (models.Reaction, error) {
	var re models.Reaction
	var rt string
	err := s.Scan(&re.ID, &re.CommentID, &re.UserID, &rt, &re.CreatedAt)
	re.ReactionType = models.ReactionType(rt)
	return re, err
}

func runMigrations(connStr string) error {
	migratePath := os.Getenv("MIGRATE_PATH")
	if migratePath == "" {
		migratePath = "./migrations"
	}
	absPath, err := filepath.Abs(migratePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	absPath = filepath.ToSlash(absPath)
	migrateUrl := fmt.Sprintf("file://%s", absPath)
	m, err := migrate.New(migrateUrl, connStr)
	if err != nil {
		return fmt.Errorf("start migrations error: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}
