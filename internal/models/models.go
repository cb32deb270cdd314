package models

import "time"

type Caller struct {
	ID          string `json:"id"`
	DisplayName string `json:"name,omitempty"`
}

type Reaction struct {
	ID           string       `json:"id"`
	CommentID    string       `json:"comment_id"`
	UserID       string       `json:"user_id"`
	ReactionType ReactionType `json:"reaction_type"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Comment is the canonical two-level shape. Replies is only populated on
// top-level comments.
type Comment struct {
	ID                string     `json:"id"`
	EntryID           string     `json:"entry_id"`
	ParentID          *string    `json:"parent_id"`
	AuthorID          string     `json:"user_id"`
	AuthorDisplayName string     `json:"user_name"`
	Content           string     `json:"content"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	IsEdited          bool       `json:"is_edited"`
	Reactions         []Reaction `json:"reactions"`
	Replies           []Comment  `json:"replies"`
}

func (c Comment) IsTopLevel() bool {
	return c.ParentID == nil || *c.ParentID == ""
}

// RawComment is a comment record as the persistence layer hands it out.
// Reactions can arrive under either field name and replies may be embedded.
type RawComment struct {
	ID               string       `json:"id"`
	EntryID          string       `json:"entry_id"`
	ParentID         *string      `json:"parent_id"`
	AuthorID         string       `json:"user_id"`
	AuthorName       *string      `json:"user_name,omitempty"`
	Content          string       `json:"content"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	IsEdited         bool         `json:"is_edited"`
	Reactions        []Reaction   `json:"reactions,omitempty"`
	CommentReactions []Reaction   `json:"comment_reactions,omitempty"`
	Replies          []RawComment `json:"replies,omitempty"`
}

type NewComment struct {
	EntryID    string
	ParentID   *string
	AuthorID   string
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

type ContentRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	ReactionType ReactionType `json:"reaction_type"`
}
