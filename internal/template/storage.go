package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

var (
	// ErrNotFound is returned when a stored template does not exist.
	ErrNotFound = errors.New("template not found")
	// ErrNameTaken is returned when a template name is already in use.
	ErrNameTaken = errors.New("template name already exists")
)

// Storage is the template library kept in BoltDB.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTemplateNames); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create stores tmpl under a fresh ID. Names are unique.
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		if existing := names.Get([]byte(tmpl.Name)); existing != nil {
			return fmt.Errorf("%w: %q", ErrNameTaken, tmpl.Name)
		}

		tmpl.ID = uuid.New().String()
		if tmpl.Metadata.CreatedAt.IsZero() {
			tmpl.Metadata.CreatedAt = time.Now().UTC()
		}

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		if err := templates.Put([]byte(tmpl.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(tmpl.Name), []byte(tmpl.ID))
	})
}

// Get retrieves a template by ID. A missing template yields nil, nil.
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// GetByName retrieves a template by name. A missing template yields nil, nil.
func (s *Storage) GetByName(ctx context.Context, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get([]byte(name))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketTemplates).Get(id)
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// Lookup resolves ref as an ID first and then as a name.
func (s *Storage) Lookup(ctx context.Context, ref string) (*Template, error) {
	tmpl, err := s.Get(ctx, ref)
	if err != nil || tmpl != nil {
		return tmpl, err
	}
	tmpl, err = s.GetByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return tmpl, nil
}

// List returns templates matching filter in ID order.
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				continue
			}

			if filter.Search != "" {
				search := strings.ToLower(filter.Search)
				name := strings.ToLower(tmpl.Name)
				desc := strings.ToLower(tmpl.Description)
				if !strings.Contains(name, search) && !strings.Contains(desc, search) {
					continue
				}
			}
			if filter.Tag != "" && !hasTag(&tmpl, filter.Tag) {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			templates = append(templates, &tmpl)
			if filter.Limit > 0 && len(templates) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return templates, err
}

// Delete removes a template by ID. Deleting a missing template is not an
// error.
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		data := templates.Get([]byte(id))
		if data == nil {
			return nil
		}

		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return err
		}

		if err := names.Delete([]byte(tmpl.Name)); err != nil {
			return err
		}
		return templates.Delete([]byte(id))
	})
}

// Count returns the number of stored templates.
func (s *Storage) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTemplates).Stats().KeyN
		return nil
	})
	return n, err
}

func hasTag(t *Template, tag string) bool {
	for _, tg := range t.Metadata.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}
