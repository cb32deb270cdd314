package tree

import (
	"ScrapbookComments/internal/models"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func ptr[T any](v T) *T { return &v }

var base = time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func raw(id string, parent *string, min int) models.RawComment {
	return models.RawComment{
		ID:        id,
		EntryID:   "E1",
		ParentID:  parent,
		AuthorID:  "U1",
		Content:   "text " + id,
		CreatedAt: at(min),
		UpdatedAt: at(min),
	}
}

func TestNormalize_FlatSiblings(t *testing.T) {
	records := []models.RawComment{
		raw("C2", nil, 5),
		raw("R2", ptr("C1"), 4),
		raw("C1", nil, 1),
		raw("R1", ptr("C1"), 2),
	}

	tree, issues := Normalize(records)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if len(tree) != 2 || tree[0].ID != "C1" || tree[1].ID != "C2" {
		t.Fatalf("expected [C1 C2] ordered by created_at, got %+v", ids(tree))
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"R1", "R2"}) {
		t.Fatalf("expected replies [R1 R2], got %v", got)
	}
	for _, r := range tree[0].Replies {
		if r.ParentID == nil || *r.ParentID != "C1" {
			t.Fatalf("reply %s should point at C1", r.ID)
		}
		if r.Replies == nil || len(r.Replies) != 0 {
			t.Fatalf("reply %s should carry an empty replies list", r.ID)
		}
	}
	if tree[1].Replies == nil {
		t.Fatalf("top-level comment without replies should carry an empty list")
	}
}

func TestNormalize_ReplyToReplyIsReparented(t *testing.T) {
	records := []models.RawComment{
		raw("C1", nil, 0),
		raw("R1", ptr("C1"), 1),
		raw("R2", ptr("R1"), 2),
		raw("R3", ptr("R2"), 3),
	}

	tree, issues := Normalize(records)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if len(tree) != 1 {
		t.Fatalf("expected one top-level comment, got %d", len(tree))
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"R1", "R2", "R3"}) {
		t.Fatalf("expected replies [R1 R2 R3], got %v", got)
	}
	for _, r := range tree[0].Replies {
		if *r.ParentID != "C1" {
			t.Fatalf("reply %s should be re-parented to C1, got %s", r.ID, *r.ParentID)
		}
	}
}

func TestNormalize_EmbeddedReplies(t *testing.T) {
	top := raw("C1", nil, 0)
	nested := raw("R1", nil, 1)
	nested.Replies = []models.RawComment{raw("R2", nil, 2)}
	top.Replies = []models.RawComment{nested}

	tree, issues := Normalize([]models.RawComment{top})
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"R1", "R2"}) {
		t.Fatalf("expected replies [R1 R2], got %v", got)
	}
}

func TestNormalize_DanglingParentDropped(t *testing.T) {
	records := []models.RawComment{
		raw("C1", nil, 0),
		raw("R1", ptr("gone"), 1),
		raw("R2", ptr("R1"), 2),
	}

	tree, issues := Normalize(records)
	if len(tree) != 1 || len(tree[0].Replies) != 0 {
		t.Fatalf("orphaned replies should be dropped, got %+v", tree)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	for _, issue := range issues {
		if !errors.Is(issue, models.ErrInconsistentState) {
			t.Fatalf("issue should unwrap to ErrInconsistentState")
		}
	}
}

func TestNormalize_CycleAndDuplicates(t *testing.T) {
	records := []models.RawComment{
		raw("C1", nil, 0),
		raw("C1", nil, 9),
		raw("A", ptr("B"), 1),
		raw("B", ptr("A"), 2),
		{Content: "no id"},
	}

	tree, issues := Normalize(records)
	if len(tree) != 1 || !tree[0].CreatedAt.Equal(at(0)) {
		t.Fatalf("first occurrence of a duplicate should win, got %+v", tree)
	}
	reasons := map[string]int{}
	for _, issue := range issues {
		reasons[issue.Reason]++
	}
	if reasons[reasonDuplicate] != 1 || reasons[reasonCycle] != 2 || reasons[reasonMissingID] != 1 {
		t.Fatalf("unexpected issue breakdown: %v", reasons)
	}
}

func TestNormalize_LegacyReactionField(t *testing.T) {
	payload := `[{
		"id": "C1", "entry_id": "E1", "parent_id": null, "user_id": "U1",
		"content": "hi", "created_at": "2025-02-14T12:00:00Z", "updated_at": "2025-02-14T12:00:00Z",
		"comment_reactions": [{"id": "X1", "comment_id": "C1", "user_id": "U2", "reaction_type": "❤️"}],
		"replies": [{
			"id": "R1", "entry_id": "E1", "parent_id": "C1", "user_id": "U2", "user_name": "Sam",
			"content": "yo", "created_at": "2025-02-14T12:01:00Z", "updated_at": "2025-02-14T12:01:00Z",
			"reactions": [{"id": "X2", "comment_id": "R1", "user_id": "U1", "reaction_type": "👍"}],
			"comment_reactions": [{"id": "X2", "comment_id": "R1", "user_id": "U1", "reaction_type": "👍"}]
		}]
	}]`
	var records []models.RawComment
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	tree, issues := Normalize(records)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if len(tree[0].Reactions) != 1 || tree[0].Reactions[0].ReactionType != models.ReactionHeart {
		t.Fatalf("legacy comment_reactions should land in reactions, got %+v", tree[0].Reactions)
	}
	reply := tree[0].Replies[0]
	if len(reply.Reactions) != 1 {
		t.Fatalf("reactions present under both names should be deduplicated, got %d", len(reply.Reactions))
	}
	if tree[0].AuthorDisplayName != "U1" {
		t.Fatalf("missing display name should default to author id, got %q", tree[0].AuthorDisplayName)
	}
	if reply.AuthorDisplayName != "Sam" {
		t.Fatalf("expected display name Sam, got %q", reply.AuthorDisplayName)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	records := []models.RawComment{
		raw("C1", nil, 0),
		raw("R1", ptr("C1"), 1),
		raw("R2", ptr("R1"), 2),
		raw("C2", nil, 3),
	}
	records[0].Reactions = []models.Reaction{{ID: "X1", CommentID: "C1", UserID: "U2", ReactionType: models.ReactionNerd, CreatedAt: at(4)}}

	once, _ := Normalize(records)
	twice, issues := Normalize(Flatten(once))
	if len(issues) != 0 {
		t.Fatalf("unexpected issues on second pass: %v", issues)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("normalizing a normalized tree changed it:\n%+v\n%+v", once, twice)
	}
}

func TestMerge_ReplacesExistingRecord(t *testing.T) {
	tree, _ := Normalize([]models.RawComment{raw("C1", nil, 0), raw("R1", ptr("C1"), 1)})

	edited := raw("R1", ptr("C1"), 1)
	edited.Content = "edited"
	edited.IsEdited = true
	merged := Merge(tree, edited, raw("R2", ptr("R1"), 2))

	if got := ids(merged[0].Replies); !reflect.DeepEqual(got, []string{"R1", "R2"}) {
		t.Fatalf("expected replies [R1 R2], got %v", got)
	}
	if merged[0].Replies[0].Content != "edited" || !merged[0].Replies[0].IsEdited {
		t.Fatalf("merged record should replace the cached version")
	}
}

func TestFromRecord(t *testing.T) {
	name := "Ann"
	r := raw("R1", ptr("C1"), 3)
	r.AuthorName = &name
	r.Reactions = []models.Reaction{{ID: "X1", CommentID: "R1"}}
	r.Replies = []models.RawComment{raw("R2", ptr("R1"), 4)}

	got := FromRecord(r)
	if got.ID != "R1" || got.ParentID == nil || *got.ParentID != "C1" {
		t.Fatalf("unexpected comment %+v", got)
	}
	if got.AuthorDisplayName != "Ann" || len(got.Reactions) != 1 || len(got.Replies) != 0 {
		t.Fatalf("unexpected fields %+v", got)
	}

	top := FromRecord(raw("C1", ptr(""), 1))
	if !top.IsTopLevel() || top.ParentID != nil {
		t.Fatalf("empty parent should be top-level, got %v", top.ParentID)
	}
}

func TestResolveTopLevelParent(t *testing.T) {
	top := models.Comment{ID: "C1"}
	if got := ResolveTopLevelParent(top); got != "C1" {
		t.Fatalf("top-level comment should resolve to itself, got %s", got)
	}
	reply := models.Comment{ID: "R1", ParentID: ptr("C1")}
	if got := ResolveTopLevelParent(reply); got != "C1" {
		t.Fatalf("reply should resolve to its parent, got %s", got)
	}
	blank := models.Comment{ID: "C2", ParentID: ptr("")}
	if got := ResolveTopLevelParent(blank); got != "C2" {
		t.Fatalf("empty parent id means top-level, got %s", got)
	}
}

func TestNormalizer_LogsIssues(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	n := NewNormalizer(zap.New(core))

	tree := n.Normalize("E1", []models.RawComment{raw("C1", nil, 0), raw("R1", ptr("gone"), 1)})
	if len(tree) != 1 {
		t.Fatalf("expected one comment, got %d", len(tree))
	}
	entries := logs.FilterField(zap.String("comment_id", "R1")).All()
	if len(entries) != 1 {
		t.Fatalf("expected the dangling reply to be logged once, got %d", len(entries))
	}
}

func ids(cs []models.Comment) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}
