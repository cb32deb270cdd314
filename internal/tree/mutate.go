package tree

import (
	"ScrapbookComments/internal/models"
	"slices"
)

// The mutators below modify the tree they are given and return it. Callers hand
// in a copy they own (see Clone).

func Clone(tree []models.Comment) []models.Comment {
	if tree == nil {
		return []models.Comment{}
	}
	out := make([]models.Comment, len(tree))
	for i, c := range tree {
		out[i] = cloneComment(c)
	}
	return out
}

func cloneComment(c models.Comment) models.Comment {
	if c.ParentID != nil {
		p := *c.ParentID
		c.ParentID = &p
	}
	c.Reactions = append(make([]models.Reaction, 0, len(c.Reactions)), c.Reactions...)
	replies := make([]models.Comment, len(c.Replies))
	for i, r := range c.Replies {
		replies[i] = cloneComment(r)
	}
	c.Replies = replies
	return c
}

func FindComment(tree []models.Comment, id string) (models.Comment, bool) {
	var found models.Comment
	ok := update(tree, id, func(c *models.Comment) { found = *c })
	return found, ok
}

func FindReaction(tree []models.Comment, commentID, userID string, rt models.ReactionType) (models.Reaction, bool) {
	c, ok := FindComment(tree, commentID)
	if !ok {
		return models.Reaction{}, false
	}
	for _, r := range c.Reactions {
		if r.UserID == userID && r.ReactionType == rt {
			return r, true
		}
	}
	return models.Reaction{}, false
}

// AppendComment adds c unless a comment with the same id is already present.
// Replies are attached to their top-level ancestor.
func AppendComment(tree []models.Comment, c models.Comment) []models.Comment {
	if _, ok := FindComment(tree, c.ID); ok {
		return tree
	}
	if c.Reactions == nil {
		c.Reactions = []models.Reaction{}
	}
	c.Replies = []models.Comment{}
	if c.IsTopLevel() {
		return append(tree, c)
	}
	parent, ok := FindComment(tree, *c.ParentID)
	if !ok {
		return tree
	}
	root := ResolveTopLevelParent(parent)
	c.ParentID = &root
	update(tree, root, func(top *models.Comment) {
		top.Replies = append(top.Replies, c)
	})
	return tree
}

// AddReaction attaches r to its comment unless the same user already reacted
// with the same type.
func AddReaction(tree []models.Comment, r models.Reaction) []models.Comment {
	update(tree, r.CommentID, func(c *models.Comment) {
		for _, existing := range c.Reactions {
			if existing.UserID == r.UserID && existing.ReactionType == r.ReactionType {
				return
			}
		}
		c.Reactions = append(c.Reactions, r)
	})
	return tree
}

// ReplaceReaction swaps the reaction with id oldID for r.
func ReplaceReaction(tree []models.Comment, oldID string, r models.Reaction) []models.Comment {
	update(tree, r.CommentID, func(c *models.Comment) {
		c.Reactions = slices.DeleteFunc(c.Reactions, func(existing models.Reaction) bool {
			return existing.ID == oldID
		})
	})
	return AddReaction(tree, r)
}

func RemoveReaction(tree []models.Comment, commentID, userID string, rt models.ReactionType) []models.Comment {
	update(tree, commentID, func(c *models.Comment) {
		c.Reactions = slices.DeleteFunc(c.Reactions, func(existing models.Reaction) bool {
			return existing.UserID == userID && existing.ReactionType == rt
		})
	})
	return tree
}

// RemoveComment drops a comment. Removing a top-level comment also removes its
// replies from the tree, which matches how orphans are rendered.
func RemoveComment(tree []models.Comment, id string) []models.Comment {
	tree = slices.DeleteFunc(tree, func(c models.Comment) bool { return c.ID == id })
	for i := range tree {
		tree[i].Replies = slices.DeleteFunc(tree[i].Replies, func(c models.Comment) bool { return c.ID == id })
	}
	return tree
}

func update(tree []models.Comment, id string, fn func(*models.Comment)) bool {
	for i := range tree {
		if tree[i].ID == id {
			fn(&tree[i])
			return true
		}
		for j := range tree[i].Replies {
			if tree[i].Replies[j].ID == id {
				fn(&tree[i].Replies[j])
				return true
			}
		}
	}
	return false
}
