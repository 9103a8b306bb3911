// Package plan owns plan documents on disk: loading, structure-preserving
// partial updates, condensed generation, archiving, and discovery.
//
// A plan file is YAML. The store keeps both a decoded models.Plan and the
// underlying yaml.Node tree; status updates rewrite only the touched scalar
// nodes, so comments and unrelated document structure survive every save.
package plan

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dcarlson/foreman/internal/filelock"
	"github.com/dcarlson/foreman/internal/models"
)

// Store binds a plan document to its file. The process holding the plan's
// run lock owns the store; all mutations go through it.
type Store struct {
	path string
	plan *models.Plan
	doc  *yaml.Node
}

// StatusUpdate carries the per-step fields written back after a dispatch.
type StatusUpdate struct {
	Status        string
	BlockedReason string
	Agent         string
	Reviews       []models.ReviewRecord
}

// Load reads and decodes a plan file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("plan %s: top level must be a mapping", path)
	}

	var p models.Plan
	if err := doc.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding plan %s: %w", path, err)
	}
	p.FilePath = path

	return &Store{path: path, plan: &p, doc: &doc}, nil
}

// Plan returns the decoded plan. Callers must not mutate step status
// directly; use the update methods so the node tree stays in sync.
func (s *Store) Plan() *models.Plan {
	return s.plan
}

// Path returns the file the store is bound to.
func (s *Store) Path() string {
	return s.path
}

// Save rewrites the plan file from the retained node tree, under the plan
// file's companion lock.
func (s *Store) Save() error {
	data, err := marshalDoc(s.doc)
	if err != nil {
		return fmt.Errorf("encoding plan %s: %w", s.path, err)
	}
	if err := filelock.LockAndWrite(s.path, data); err != nil {
		return fmt.Errorf("writing plan %s: %w", s.path, err)
	}
	return nil
}

// UpdateStepStatus applies one step's status change and saves.
func (s *Store) UpdateStepStatus(id string, u StatusUpdate) error {
	if err := s.applyUpdate(id, u); err != nil {
		return err
	}
	return s.Save()
}

// UpdateStepsStatus applies many step updates atomically with respect to the
// file: one save after a whole batch completes.
func (s *Store) UpdateStepsStatus(updates map[string]StatusUpdate) error {
	for id, u := range updates {
		if err := s.applyUpdate(id, u); err != nil {
			return err
		}
	}
	return s.Save()
}

// SetMetadata writes one engine metadata key and saves. The metadata mapping
// is created when the document lacks one.
func (s *Store) SetMetadata(key, value string) error {
	if s.plan.Metadata == nil {
		s.plan.Metadata = make(map[string]interface{})
	}
	s.plan.Metadata[key] = value

	meta := ensureMapValue(s.root(), "metadata")
	setScalar(meta, key, value)
	return s.Save()
}

// ResumeStep moves a blocked step back to pending and clears its blocked
// reason. This is the only path out of blocked; nothing does it automatically.
func (s *Store) ResumeStep(id string) error {
	step := s.plan.Step(id)
	if step == nil {
		return fmt.Errorf("unknown step %q", id)
	}
	if !step.IsBlocked() {
		return fmt.Errorf("step %q is %s, only blocked steps can be resumed", id, step.EffectiveStatus())
	}
	step.Status = models.StatusPending
	step.BlockedReason = ""

	node, err := s.stepNode(id)
	if err != nil {
		return err
	}
	setScalar(node, "status", models.StatusPending)
	removeKey(node, "blocked_reason")
	return s.Save()
}

func (s *Store) applyUpdate(id string, u StatusUpdate) error {
	step := s.plan.Step(id)
	if step == nil {
		return fmt.Errorf("unknown step %q", id)
	}
	node, err := s.stepNode(id)
	if err != nil {
		return err
	}

	if u.Status != "" {
		step.Status = u.Status
		setScalar(node, "status", u.Status)
	}
	if u.Agent != "" {
		step.Agent = u.Agent
		setScalar(node, "agent", u.Agent)
	}
	if u.Status == models.StatusBlocked {
		step.BlockedReason = u.BlockedReason
		setScalar(node, "blocked_reason", u.BlockedReason)
	} else if u.Status != "" {
		step.BlockedReason = ""
		removeKey(node, "blocked_reason")
	}
	if len(u.Reviews) > 0 {
		step.Reviews = u.Reviews
		var reviews yaml.Node
		if err := reviews.Encode(u.Reviews); err != nil {
			return fmt.Errorf("encoding reviews for step %q: %w", id, err)
		}
		setValue(node, "reviews", &reviews)
	}
	return nil
}

func (s *Store) root() *yaml.Node {
	return s.doc.Content[0]
}

// stepNode locates the mapping node of the step with the given id.
func (s *Store) stepNode(id string) (*yaml.Node, error) {
	steps := findValue(s.root(), "steps")
	if steps == nil || steps.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("plan %s has no steps sequence", s.path)
	}
	for _, item := range steps.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		if v := findValue(item, "id"); v != nil && v.Value == id {
			return item, nil
		}
	}
	return nil, fmt.Errorf("step %q not found in document", id)
}

func marshalDoc(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// findValue returns the value node for a key in a mapping, or nil.
func findValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// setScalar sets key to a string scalar, appending the key when absent.
func setScalar(mapping *yaml.Node, key, value string) {
	node := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
	setValue(mapping, key, node)
}

// setValue replaces the value node for key, appending the pair when absent.
// Replacing in place (rather than re-encoding the mapping) is what preserves
// surrounding comments and key order.
func setValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			// Keep any comment attached to the old value.
			value.HeadComment = mapping.Content[i+1].HeadComment
			value.LineComment = mapping.Content[i+1].LineComment
			mapping.Content[i+1] = value
			return
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	mapping.Content = append(mapping.Content, keyNode, value)
}

// removeKey deletes a key/value pair from a mapping if present.
func removeKey(mapping *yaml.Node, key string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}

// ensureMapValue returns the mapping value for key, creating an empty mapping
// when the key is absent.
func ensureMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if v := findValue(mapping, key); v != nil {
		if v.Kind == yaml.MappingNode {
			return v
		}
		// Key exists with a non-mapping value (e.g. explicit null). Replace it.
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setValue(mapping, key, m)
		return m
	}
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	// Metadata reads better at the top of the document.
	mapping.Content = append([]*yaml.Node{keyNode, m}, mapping.Content...)
	return m
}
