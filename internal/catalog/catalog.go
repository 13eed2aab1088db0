// Package catalog loads task definitions and users from YAML files and
// materializes new task instances from them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/taskhub/internal/task"
)

var (
	ErrTaskNotFound = errors.New("task definition not found")
	ErrUnauthorized = errors.New("user not authorized for task")
)

// Definition is one task definition. Children inherit every field they leave
// empty from their parent; ids are the dotted path of names.
type Definition struct {
	ID           string         `yaml:"-" json:"id"`
	Name         string         `yaml:"name" json:"name"`
	Parent       string         `yaml:"parent" json:"parent,omitempty"`
	Label        string         `yaml:"label" json:"label,omitempty"`
	Environments []string       `yaml:"environments" json:"environments,omitempty"`
	Config       map[string]any `yaml:"config" json:"config,omitempty"`
	State        map[string]any `yaml:"state" json:"state,omitempty"`
	Groups       []string       `yaml:"groups" json:"groups,omitempty"`
	Initiator    bool           `yaml:"initiator" json:"initiator,omitempty"`
}

// User is a known user and the groups it belongs to.
type User struct {
	ID     string   `yaml:"id" json:"id"`
	Name   string   `yaml:"name" json:"name,omitempty"`
	Groups []string `yaml:"groups" json:"groups,omitempty"`
}

type file struct {
	Tasks []Definition `yaml:"tasks"`
	Users []User       `yaml:"users"`
}

// Catalog holds the loaded definitions and users.
type Catalog struct {
	mu    sync.RWMutex
	tasks map[string]Definition
	users map[string]User
	now   func() time.Time
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		tasks: make(map[string]Definition),
		users: make(map[string]User),
		now:   time.Now,
	}
}

// Load creates a catalog from every **/*.yaml and **/*.yml file under dirs.
// Missing directories are skipped.
func Load(dirs ...string) (*Catalog, error) {
	c := New()
	var defs []Definition
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			slog.Debug("catalog directory not found, skipping", "dir", dir)
			continue
		}
		for _, pattern := range []string{"**/*.yaml", "**/*.yml"} {
			matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, fmt.Errorf("glob %s: %w", dir, err)
			}
			sort.Strings(matches)
			for _, path := range matches {
				f, err := readFile(path)
				if err != nil {
					return nil, err
				}
				defs = append(defs, f.Tasks...)
				for _, u := range f.Users {
					c.AddUser(u)
				}
			}
		}
	}
	if err := c.AddDefinitions(defs...); err != nil {
		return nil, err
	}
	slog.Info("catalog loaded", "tasks", len(c.tasks), "users", len(c.users))
	return c, nil
}

func readFile(path string) (file, error) {
	var f file
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// AddUser registers or replaces a user.
func (c *Catalog) AddUser(u User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
}

// AddDefinitions flattens defs into the catalog. Parents may appear after
// their children; a definition whose parent never resolves is skipped with a
// warning.
func (c *Catalog) AddDefinitions(defs ...Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := slices.Clone(defs)
	for len(pending) > 0 {
		var next []Definition
		for _, d := range pending {
			if d.Name == "" {
				return errors.New("task definition without name")
			}
			if d.Parent == "" {
				d.ID = d.Name
			} else {
				parent, ok := c.tasks[d.Parent]
				if !ok {
					next = append(next, d)
					continue
				}
				d.ID = parent.ID + "." + d.Name
				inherit(&d, parent)
			}
			if _, dup := c.tasks[d.ID]; dup {
				return fmt.Errorf("task definition %q defined twice", d.ID)
			}
			c.tasks[d.ID] = d
		}
		if len(next) == len(pending) {
			for _, d := range next {
				slog.Warn("task definition parent not found", "name", d.Name, "parent", d.Parent)
			}
			break
		}
		pending = next
	}
	return nil
}

func inherit(child *Definition, parent Definition) {
	if len(child.Environments) == 0 {
		child.Environments = slices.Clone(parent.Environments)
	}
	if child.Config == nil && parent.Config != nil {
		child.Config = cloneMap(parent.Config)
	}
	if child.State == nil && parent.State != nil {
		child.State = cloneMap(parent.State)
	}
	if len(child.Groups) == 0 {
		child.Groups = slices.Clone(parent.Groups)
	}
	if child.Label == "" {
		child.Label = parent.Label
	}
}

// Definition returns the definition with the given dotted id.
func (c *Catalog) Definition(id string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tasks[id]
	return d, ok
}

// Definitions returns every definition sorted by id.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.tasks))
	for _, d := range c.tasks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// User returns a known user.
func (c *Catalog) User(id string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// Init materializes a new instance of the requested definition.
func (c *Catalog) Init(_ context.Context, req task.InitRequest) (task.Doc, error) {
	id := req.DescriptorID()
	def, ok := c.Definition(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}

	userID := req.DescriptorUserID()
	user, known := c.User(userID)
	groupID := ""
	if req.Authenticate {
		if !known {
			return nil, fmt.Errorf("%w: unknown user %q", ErrUnauthorized, userID)
		}
		if len(def.Groups) > 0 {
			for _, g := range user.Groups {
				if slices.Contains(def.Groups, g) {
					groupID = g
					break
				}
			}
			if groupID == "" {
				return nil, fmt.Errorf("%w: %q for %q", ErrUnauthorized, userID, id)
			}
		}
	}
	if !known {
		user = User{ID: userID}
	}
	if groupID == "" && len(user.Groups) > 0 {
		groupID = user.Groups[0]
	}

	familyID := req.FamilyID
	if familyID == "" {
		familyID = task.NewInstanceID()
	}
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = task.NewInstanceID()
	}

	raw := map[string]any{
		"instanceId":   instanceID,
		"id":           def.ID,
		"name":         def.Name,
		"familyId":     familyID,
		"userId":       user.ID,
		"groupId":      groupID,
		"environments": def.Environments,
		"config":       def.Config,
		"state":        def.State,
		"output":       map[string]any{},
		"input":        req.Input,
		"meta": map[string]any{
			"prevInstanceId": req.PrevInstanceID,
			"updatedAt":      c.now().UTC().Format(time.RFC3339Nano),
		},
		"users": map[string]any{
			user.ID: user,
		},
	}
	if def.Label != "" {
		raw["label"] = def.Label
	}
	doc, err := normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", def.ID, err)
	}

	// The init descriptor may override parts of the definition.
	extra := make(map[string]any, len(req.Descriptor))
	for k, v := range req.Descriptor {
		switch k {
		case "id", "user", "instanceId":
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		patch, err := normalize(extra)
		if err != nil {
			return nil, fmt.Errorf("descriptor for %s: %w", def.ID, err)
		}
		doc = doc.Merge(patch)
	}
	return doc, nil
}

// normalize round-trips v through JSON so every value has its wire type.
// Nil sections are dropped.
func normalize(v map[string]any) (task.Doc, error) {
	for k, val := range v {
		if isNil(val) {
			delete(v, k)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d task.Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return t == nil
	case []string:
		return t == nil
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
