// Package tree turns persistence records into the two-level comment tree used
// everywhere else: top-level comments carrying a flat, chronological list of
// replies.
package tree

import (
	"ScrapbookComments/internal/models"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Issue describes a record that could not be placed in the tree.
type Issue struct {
	CommentID string
	ParentID  string
	Reason    string
}

func (i Issue) Error() string {
	if i.ParentID != "" {
		return fmt.Sprintf("%s: comment %q (parent %q): %s", models.ErrInconsistentState, i.CommentID, i.ParentID, i.Reason)
	}
	return fmt.Sprintf("%s: comment %q: %s", models.ErrInconsistentState, i.CommentID, i.Reason)
}

func (i Issue) Unwrap() error {
	return models.ErrInconsistentState
}

const (
	reasonMissingID = "record has no id"
	reasonDuplicate = "duplicate id"
	reasonDangling  = "parent does not resolve to a top-level comment"
	reasonCycle     = "parent chain forms a cycle"
)

// Normalize builds the canonical tree from raw records. Replies embedded in a
// record are lifted out and attached to the record's top-level ancestor, as are
// replies whose parent is itself a reply. Records that cannot be attached are
// reported and left out; Normalize never fails.
func Normalize(raw []models.RawComment) ([]models.Comment, []Issue) {
	var issues []Issue
	records := make([]models.RawComment, 0, len(raw))
	index := make(map[string]int, len(raw))

	var collect func(rs []models.RawComment, enclosing string)
	collect = func(rs []models.RawComment, enclosing string) {
		for _, r := range rs {
			nested := r.Replies
			r.Replies = nil
			if r.ID == "" {
				issues = append(issues, Issue{Reason: reasonMissingID})
				continue
			}
			if enclosing != "" && (r.ParentID == nil || *r.ParentID == "") {
				parent := enclosing
				r.ParentID = &parent
			}
			if _, dup := index[r.ID]; dup {
				issues = append(issues, Issue{CommentID: r.ID, Reason: reasonDuplicate})
			} else {
				index[r.ID] = len(records)
				records = append(records, r)
			}
			collect(nested, r.ID)
		}
	}
	collect(raw, "")

	tops := make([]models.Comment, 0, len(records))
	topPos := make(map[string]int)
	for _, r := range records {
		if isTopLevel(r) {
			topPos[r.ID] = len(tops)
			tops = append(tops, toComment(r, nil))
		}
	}

	for _, r := range records {
		if isTopLevel(r) {
			continue
		}
		root, reason := resolveRoot(r, records, index)
		if reason != "" {
			issues = append(issues, Issue{CommentID: r.ID, ParentID: *r.ParentID, Reason: reason})
			continue
		}
		pos := topPos[root]
		tops[pos].Replies = append(tops[pos].Replies, toComment(r, &root))
	}

	slices.SortStableFunc(tops, byCreatedAt)
	for i := range tops {
		slices.SortStableFunc(tops[i].Replies, byCreatedAt)
	}
	return tops, issues
}

// Flatten is the inverse of Normalize: it lists every comment of the tree as a
// flat record pointing at its parent.
func Flatten(tree []models.Comment) []models.RawComment {
	out := make([]models.RawComment, 0, len(tree))
	for _, top := range tree {
		out = append(out, toRaw(top))
		for _, reply := range top.Replies {
			out = append(out, toRaw(reply))
		}
	}
	return out
}

// Merge places server-confirmed records into an existing tree. A record whose
// id is already present replaces the old version.
func Merge(tree []models.Comment, records ...models.RawComment) []models.Comment {
	all := make([]models.RawComment, 0, len(records)+len(tree))
	all = append(all, records...)
	all = append(all, Flatten(tree)...)
	merged, _ := Normalize(all)
	return merged
}

// ResolveTopLevelParent returns the id a reply to c has to point at so that the
// tree never grows past two levels.
func ResolveTopLevelParent(c models.Comment) string {
	if c.IsTopLevel() {
		return c.ID
	}
	return *c.ParentID
}

// FromRecord converts a single record as returned by the gateway. Embedded
// replies are ignored.
func FromRecord(r models.RawComment) models.Comment {
	var parent *string
	if !isTopLevel(r) {
		parent = r.ParentID
	}
	return toComment(r, parent)
}

type Normalizer struct {
	log *zap.Logger
}

func NewNormalizer(log *zap.Logger) *Normalizer {
	return &Normalizer{log: log.Named("normalizer")}
}

func (n *Normalizer) Normalize(entryID string, raw []models.RawComment) []models.Comment {
	tree, issues := Normalize(raw)
	for _, issue := range issues {
		n.log.Warn("Dropped comment record from tree",
			zap.String("entry_id", entryID),
			zap.String("comment_id", issue.CommentID),
			zap.String("parent_id", issue.ParentID),
			zap.String("reason", issue.Reason),
			zap.Error(models.ErrInconsistentState),
		)
	}
	return tree
}

func resolveRoot(r models.RawComment, records []models.RawComment, index map[string]int) (string, string) {
	visited := map[string]bool{r.ID: true}
	cur := r
	for !isTopLevel(cur) {
		pos, ok := index[*cur.ParentID]
		if !ok {
			return "", reasonDangling
		}
		cur = records[pos]
		if visited[cur.ID] {
			return "", reasonCycle
		}
		visited[cur.ID] = true
	}
	return cur.ID, ""
}

func isTopLevel(r models.RawComment) bool {
	return r.ParentID == nil || *r.ParentID == ""
}

func toComment(r models.RawComment, parentID *string) models.Comment {
	name := r.AuthorID
	if r.AuthorName != nil && *r.AuthorName != "" {
		name = *r.AuthorName
	}
	var parent *string
	if parentID != nil {
		p := *parentID
		parent = &p
	}
	return models.Comment{
		ID:                r.ID,
		EntryID:           r.EntryID,
		ParentID:          parent,
		AuthorID:          r.AuthorID,
		AuthorDisplayName: name,
		Content:           r.Content,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		IsEdited:          r.IsEdited,
		Reactions:         mergeReactions(r.Reactions, r.CommentReactions),
		Replies:           []models.Comment{},
	}
}

func toRaw(c models.Comment) models.RawComment {
	name := c.AuthorDisplayName
	var parent *string
	if !c.IsTopLevel() {
		p := *c.ParentID
		parent = &p
	}
	return models.RawComment{
		ID:         c.ID,
		EntryID:    c.EntryID,
		ParentID:   parent,
		AuthorID:   c.AuthorID,
		AuthorName: &name,
		Content:    c.Content,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		IsEdited:   c.IsEdited,
		Reactions:  slices.Clone(c.Reactions),
	}
}

func mergeReactions(groups ...[]models.Reaction) []models.Reaction {
	out := make([]models.Reaction, 0)
	seen := make(map[string]bool)
	for _, group := range groups {
		for _, r := range group {
			if r.ID != "" {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
			}
			out = append(out, r)
		}
	}
	return out
}

func byCreatedAt(a, b models.Comment) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}
