package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/spectree/internal/graph"
	"github.com/ShayCichocki/spectree/pkg/models"
)

const specColumns = `id, parent_id, name, depth, leaf, phase, depends_on, content,
	arch_iterations, impl_iterations, next_role, last_result, error, feedback,
	resume_context, review_reason, queue_seq, version, created_at, updated_at`

// SaveOptions controls the side effects of a CAS write.
type SaveOptions struct {
	// Reason is recorded in the phase history when the phase changes.
	Reason string
	// TriggeredBy names what drove the change: a role, "human", "gate", "scheduler".
	TriggeredBy string
	// Requeue restamps the queue sequence so the node joins the back of the queue.
	Requeue bool
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Phases   []models.Phase
	ParentID *string
}

// CreateRoot creates a root spec node in PENDING.
func (db *DB) CreateRoot(spec models.ChildSpec) (*models.SpecNode, error) {
	if err := validateName(spec.Name); err != nil {
		return nil, err
	}
	if len(spec.DependsOn) > 0 {
		return nil, fmt.Errorf("%w: root %s cannot depend on siblings", models.ErrInvalidSpec, spec.Name)
	}

	var node *models.SpecNode
	err := db.Transaction(func(tx *sql.Tx) error {
		exists, err := specExists(tx, spec.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: spec %s already exists", models.ErrInvalidSpec, spec.Name)
		}
		node, err = insertSpec(tx, "", spec.Name, 0, spec, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return node, nil
}

// CreateChildren creates child nodes under a parent in one transaction.
// depends_on entries name siblings, either in this batch or already present,
// and must stay acyclic. maxDepth <= 0 disables the depth cap.
func (db *DB) CreateChildren(parentID string, children []models.ChildSpec, maxDepth int) ([]models.SpecNode, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("create children of %s: %w: no children", parentID, models.ErrInvalidSpec)
	}

	var created []models.SpecNode
	err := db.Transaction(func(tx *sql.Tx) error {
		parent, err := getSpec(tx, parentID)
		if err != nil {
			return err
		}
		if parent.Leaf == models.LeafYes {
			return fmt.Errorf("%w: leaf %s cannot have children", models.ErrInvalidSpec, parentID)
		}

		depth := parent.Depth + 1
		if maxDepth > 0 && depth > maxDepth {
			return &models.CapError{Cap: models.CapDepth, Limit: float64(maxDepth), Value: float64(depth)}
		}

		existing, err := listSpecs(tx, "WHERE parent_id = ? ORDER BY created_seq", parentID)
		if err != nil {
			return err
		}

		g := graph.New()
		taken := make(map[string]bool)
		for _, sib := range existing {
			g.Add(sib.Name, siblingNames(sib.DependsOn))
			taken[sib.Name] = true
		}
		for _, child := range children {
			if err := validateName(child.Name); err != nil {
				return err
			}
			if taken[child.Name] {
				return fmt.Errorf("%w: duplicate child name %s under %s", models.ErrInvalidSpec, child.Name, parentID)
			}
			taken[child.Name] = true
			g.Add(child.Name, child.DependsOn)
		}
		if err := g.Validate(); err != nil {
			return err
		}

		for _, child := range children {
			deps := make([]string, 0, len(child.DependsOn))
			for _, dep := range child.DependsOn {
				deps = append(deps, childID(parentID, dep))
			}
			node, err := insertSpec(tx, parentID, child.Name, depth, child, deps)
			if err != nil {
				return err
			}
			created = append(created, *node)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create children of %s: %w", parentID, err)
	}
	return created, nil
}

// Get returns a spec node with its child ids populated.
func (db *DB) Get(id string) (*models.SpecNode, error) {
	var node *models.SpecNode
	err := db.Transaction(func(tx *sql.Tx) error {
		var err error
		node, err = getSpec(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// List returns spec nodes in creation order.
func (db *DB) List(filter ListFilter) ([]models.SpecNode, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Phases) > 0 {
		marks := make([]string, len(filter.Phases))
		for i, p := range filter.Phases {
			marks[i] = "?"
			args = append(args, string(p))
		}
		clauses = append(clauses, "phase IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ParentID != nil {
		if *filter.ParentID == "" {
			clauses = append(clauses, "parent_id IS NULL")
		} else {
			clauses = append(clauses, "parent_id = ?")
			args = append(args, *filter.ParentID)
		}
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var nodes []models.SpecNode
	err := db.Transaction(func(tx *sql.Tx) error {
		var err error
		nodes, err = listSpecs(tx, where+" ORDER BY created_seq", args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	return nodes, nil
}

// ListChildren returns the children of a node in creation order.
func (db *DB) ListChildren(parentID string) ([]models.SpecNode, error) {
	return db.List(ListFilter{ParentID: &parentID})
}

// Save writes every mutable field of node with compare-and-set on
// node.Version. It is the only write path for phase changes and round
// results, so both commit together. A phase change must be on the transition table and consistent
// with the node's leaf kind. On success node.Version, QueueSeq and UpdatedAt
// are refreshed.
func (db *DB) Save(node *models.SpecNode, opts SaveOptions) error {
	err := db.Transaction(func(tx *sql.Tx) error {
		var (
			curPhase   string
			curVersion int64
		)
		row := tx.QueryRow("SELECT phase, version FROM specs WHERE id = ?", node.ID)
		if err := row.Scan(&curPhase, &curVersion); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrNotFound
			}
			return fmt.Errorf("read version: %w", err)
		}
		if curVersion != node.Version {
			return models.ErrConcurrentModification
		}

		from := models.Phase(curPhase)
		if from != node.Phase {
			if !models.CanTransition(from, node.Phase) {
				return &models.TransitionError{SpecID: node.ID, From: from, To: node.Phase}
			}
			if !models.CheckPosition(node.Leaf, node.Phase) {
				return &models.TransitionError{SpecID: node.ID, From: from, To: node.Phase,
					Reason: fmt.Sprintf("not allowed for leaf kind %s", node.Leaf)}
			}
		}

		queueSeq := node.QueueSeq
		if opts.Requeue {
			seq, err := nextSeq(tx)
			if err != nil {
				return err
			}
			queueSeq = seq
		}

		deps, err := json.Marshal(nonNil(node.DependsOn))
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		content, err := json.Marshal(node.Content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}

		now := time.Now()
		res, err := tx.Exec(`
			UPDATE specs SET leaf = ?, phase = ?, depends_on = ?, content = ?,
				arch_iterations = ?, impl_iterations = ?, next_role = ?, last_result = ?,
				error = ?, feedback = ?, resume_context = ?, review_reason = ?,
				queue_seq = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, string(node.Leaf), string(node.Phase), string(deps), string(content),
			node.Iter.Architecture, node.Iter.Implementation, string(node.NextRole), nullableJSON(node.LastResult),
			node.Error, node.Feedback, node.ResumeContext, node.ReviewReason,
			queueSeq, formatTime(now), node.ID, node.Version)
		if err != nil {
			return fmt.Errorf("update spec: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return models.ErrConcurrentModification
		}

		if from != node.Phase {
			if err := insertTransition(tx, node.ID, from, node.Phase, opts.Reason, opts.TriggeredBy, now); err != nil {
				return err
			}
		}

		node.Version++
		node.QueueSeq = queueSeq
		node.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("save spec %s: %w", node.ID, err)
	}
	return nil
}

func insertSpec(tx *sql.Tx, parentID, name string, depth int, spec models.ChildSpec, deps []string) (*models.SpecNode, error) {
	id := childID(parentID, name)
	leaf := models.LeafUndecided
	if spec.Leaf != nil {
		leaf = models.LeafKindFromBool(*spec.Leaf)
	}

	seq, err := nextSeq(tx)
	if err != nil {
		return nil, err
	}

	depsJSON, err := json.Marshal(nonNil(deps))
	if err != nil {
		return nil, fmt.Errorf("marshal depends_on: %w", err)
	}
	content, err := json.Marshal(spec.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	var parent any
	if parentID != "" {
		parent = parentID
	}

	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO specs (id, parent_id, name, depth, leaf, phase, depends_on, content,
			created_seq, queue_seq, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, id, parent, name, depth, string(leaf), string(models.PhasePending), string(depsJSON), string(content),
		seq, seq, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert spec %s: %w", id, err)
	}

	return &models.SpecNode{
		ID:        id,
		ParentID:  parentID,
		Name:      name,
		Depth:     depth,
		Leaf:      leaf,
		Phase:     models.PhasePending,
		DependsOn: deps,
		Content:   spec.Content,
		QueueSeq:  seq,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func getSpec(tx *sql.Tx, id string) (*models.SpecNode, error) {
	nodes, err := listSpecs(tx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("get spec %s: %w", id, models.ErrNotFound)
	}
	node := &nodes[0]

	rows, err := tx.Query("SELECT id FROM specs WHERE parent_id = ? ORDER BY created_seq", id)
	if err != nil {
		return nil, fmt.Errorf("list child ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		node.Children = append(node.Children, childID)
	}
	return node, rows.Err()
}

func listSpecs(tx *sql.Tx, where string, args ...any) ([]models.SpecNode, error) {
	rows, err := tx.Query("SELECT "+specColumns+" FROM specs "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query specs: %w", err)
	}
	defer rows.Close()

	var nodes []models.SpecNode
	for rows.Next() {
		node, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

func scanSpec(rows *sql.Rows) (*models.SpecNode, error) {
	var (
		node                 models.SpecNode
		parentID, lastResult sql.NullString
		leaf, phase          string
		deps, content        string
		nextRole             string
		createdAt, updatedAt string
	)
	err := rows.Scan(&node.ID, &parentID, &node.Name, &node.Depth, &leaf, &phase, &deps, &content,
		&node.Iter.Architecture, &node.Iter.Implementation, &nextRole, &lastResult, &node.Error, &node.Feedback,
		&node.ResumeContext, &node.ReviewReason, &node.QueueSeq, &node.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan spec: %w", err)
	}

	node.ParentID = parentID.String
	node.Leaf = models.LeafKind(leaf)
	node.Phase = models.Phase(phase)
	node.NextRole = models.Role(nextRole)
	if lastResult.Valid && lastResult.String != "" {
		node.LastResult = json.RawMessage(lastResult.String)
	}
	if err := json.Unmarshal([]byte(deps), &node.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on of %s: %w", node.ID, err)
	}
	if len(node.DependsOn) == 0 {
		node.DependsOn = nil
	}
	if err := json.Unmarshal([]byte(content), &node.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content of %s: %w", node.ID, err)
	}
	if node.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if node.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if len(node.ResumeContext) == 0 {
		node.ResumeContext = nil
	}
	return &node, nil
}

func specExists(tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM specs WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("check spec %s: %w", id, err)
	}
	return n > 0, nil
}

// childID builds a child's path id.
func childID(parentID, name string) string {
	if parentID == "" {
		return name
	}
	return parentID + "/" + name
}

// siblingNames strips the parent path from sibling ids.
func siblingNames(ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id[strings.LastIndex(id, "/")+1:]
	}
	return names
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("%w: bad spec name %q", models.ErrInvalidSpec, name)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
