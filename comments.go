package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AnonymousAuthor names comment authors the backend did not populate.
const AnonymousAuthor = "Anonymous"

// Comment is one blog comment or reply. ParentID is "" for top-level
// comments.
type Comment struct {
	ID         string    `json:"id" yaml:"id"`
	ParentID   string    `json:"parentId,omitempty" yaml:"parent_id,omitempty"`
	AuthorID   string    `json:"authorId,omitempty" yaml:"author_id,omitempty"`
	AuthorName string    `json:"authorName" yaml:"author_name"`
	Body       string    `json:"body" yaml:"body"`
	CreatedAt  time.Time `json:"createdAt" yaml:"created_at"`
}

// ============================================================================
// Comment tree
// ============================================================================

type commentNode struct {
	Comment
	children []int
}

// CommentTree holds a comment thread as an arena: nodes live in one slice
// and refer to their replies by index, so threads of any depth are walked
// without recursion.
type CommentTree struct {
	nodes []commentNode
	index map[string]int
	roots []int
}

func NewCommentTree() *CommentTree {
	return &CommentTree{index: make(map[string]int)}
}

func (t *CommentTree) Len() int { return len(t.index) }

// Insert adds c under its parent. Inserting an id that is already present
// updates that comment's content in place.
func (t *CommentTree) Insert(c Comment) error {
	if c.ID == "" {
		return validationErr("comment id is required")
	}
	if i, ok := t.index[c.ID]; ok {
		n := &t.nodes[i]
		n.Body, n.AuthorID, n.AuthorName = c.Body, c.AuthorID, c.AuthorName
		return nil
	}

	parent := -1
	if c.ParentID != "" {
		p, ok := t.index[c.ParentID]
		if !ok {
			return fmt.Errorf("parent comment %s: %w", c.ParentID, ErrNotFound)
		}
		parent = p
	}

	t.nodes = append(t.nodes, commentNode{Comment: c})
	i := len(t.nodes) - 1
	t.index[c.ID] = i
	if parent < 0 {
		t.roots = append(t.roots, i)
	} else {
		t.nodes[parent].children = append(t.nodes[parent].children, i)
	}
	return nil
}

// Remove deletes a comment together with all of its replies.
func (t *CommentTree) Remove(id string) error {
	i, ok := t.index[id]
	if !ok {
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	if p := t.nodes[i].ParentID; p != "" {
		pi := t.index[p]
		t.nodes[pi].children = without(t.nodes[pi].children, i)
	} else {
		t.roots = without(t.roots, i)
	}

	stack := []int{i}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(t.index, t.nodes[n].ID)
		stack = append(stack, t.nodes[n].children...)
		t.nodes[n].children = nil
	}
	return nil
}

func (t *CommentTree) Get(id string) (Comment, bool) {
	i, ok := t.index[id]
	if !ok {
		return Comment{}, false
	}
	return t.nodes[i].Comment, true
}

func (t *CommentTree) Roots() []Comment {
	return t.collect(t.roots)
}

// Replies returns the direct replies to id.
func (t *CommentTree) Replies(id string) []Comment {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.collect(t.nodes[i].children)
}

func (t *CommentTree) collect(idx []int) []Comment {
	out := make([]Comment, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.nodes[i].Comment)
	}
	return out
}

// Walk visits comments depth-first, each comment before its replies, in
// insertion order. Returning false from fn stops the walk.
func (t *CommentTree) Walk(fn func(c Comment, depth int) bool) {
	type frame struct{ node, depth int }
	stack := make([]frame, 0, len(t.roots))
	for i := len(t.roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{t.roots[i], 0})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[f.node]
		if !fn(n.Comment, f.depth) {
			return
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{n.children[i], f.depth + 1})
		}
	}
}

func without(list []int, v int) []int {
	for i, x := range list {
		if x == v {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// ============================================================================
// Normalization
// ============================================================================

func (n *Normalizer) Comment(raw map[string]any, parentID string) Comment {
	c := Comment{
		ID:       firstID(raw, "_id", "id"),
		ParentID: parentID,
		Body:     n.sanitizer.Sanitize(firstString(raw, "content", "body", "text")),
	}
	if author, ok := raw["user"].(map[string]any); ok {
		c.AuthorID = firstID(author, "_id", "id")
		c.AuthorName = firstString(author, "name", "username")
	} else {
		c.AuthorID = firstID(raw, "user", "author", "userId")
	}
	if c.AuthorName == "" {
		c.AuthorName = AnonymousAuthor
	}
	c.CreatedAt, _ = n.timestamp(raw)
	return c
}

// CommentTree builds a tree from the backend's nested representation,
// where each comment carries its replies inline.
func (n *Normalizer) CommentTree(records []map[string]any) *CommentTree {
	type pending struct {
		raw    map[string]any
		parent string
	}
	t := NewCommentTree()
	queue := make([]pending, 0, len(records))
	for _, r := range records {
		queue = append(queue, pending{raw: r})
	}
	// Breadth-first, so a parent is always inserted before its replies.
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		c := n.Comment(p.raw, p.parent)
		if t.Insert(c) != nil {
			continue
		}
		if replies, ok := p.raw["replies"].([]any); ok {
			for _, r := range replies {
				if m, ok := r.(map[string]any); ok {
					queue = append(queue, pending{raw: m, parent: c.ID})
				}
			}
		}
	}
	return t
}

// ============================================================================
// Comments API
// ============================================================================

type CommentsClient struct{ c *Client }

// List returns the comment thread of a blog post.
func (cc *CommentsClient) List(ctx context.Context, blogID string) (*CommentTree, error) {
	if blogID == "" {
		return nil, validationErr("blog id is required")
	}
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/comments/get-comments/"+url.PathEscape(blogID), nil, nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(data, "comments", "data")
	if err != nil {
		return nil, err
	}
	return cc.c.normalizer.CommentTree(records), nil
}

// Add posts a top-level comment.
func (cc *CommentsClient) Add(ctx context.Context, blogID, content string) (Comment, error) {
	if strings.TrimSpace(content) == "" {
		return Comment{}, validationErr("comment is empty")
	}
	data, err := cc.c.doRequest(ctx, http.MethodPost, "/comments/add-comment/"+url.PathEscape(blogID), map[string]string{
		"content": content,
	}, nil)
	if err != nil {
		return Comment{}, err
	}
	rec, err := unwrapRecord(data, "comment", "data")
	if err != nil {
		return Comment{}, err
	}
	return cc.c.normalizer.Comment(rec, ""), nil
}

// Reply answers commentID, or one of its nested replies when parentReplyID
// is set.
func (cc *CommentsClient) Reply(ctx context.Context, commentID, content, parentReplyID string) (Comment, error) {
	if strings.TrimSpace(content) == "" {
		return Comment{}, validationErr("reply is empty")
	}
	payload := map[string]string{"content": content}
	if parentReplyID != "" {
		payload["parentReplyId"] = parentReplyID
	}
	data, err := cc.c.doRequest(ctx, http.MethodPost, "/comments/add-reply/"+url.PathEscape(commentID), payload, nil)
	if err != nil {
		return Comment{}, err
	}
	rec, err := unwrapRecord(data, "reply", "comment", "data")
	if err != nil {
		return Comment{}, err
	}
	parent := parentReplyID
	if parent == "" {
		parent = commentID
	}
	return cc.c.normalizer.Comment(rec, parent), nil
}

func (cc *CommentsClient) Delete(ctx context.Context, commentID string) error {
	_, err := cc.c.doRequest(ctx, http.MethodDelete, "/comments/delete-comment/"+url.PathEscape(commentID), nil, nil)
	return err
}
