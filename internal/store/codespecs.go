package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tyger/internal/apperr"
)

type codespecBody struct {
	Entrypoint    []string          `json:"entrypoint,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Resources     Resources         `json:"resources"`
	InputBuffers  []string          `json:"inputBuffers"`
	OutputBuffers []string          `json:"outputBuffers"`
	Endpoints     map[string]int32  `json:"endpoints,omitempty"`
}

// CreateCodespec inserts a new version of the named codespec. Version is
// assigned by the store as max(existing)+1, satisfying spec.md §8
// property 1 ("createCodespec ... returns monotonically increasing
// version per name").
func (s *Store) CreateCodespec(ctx context.Context, c Codespec) (Codespec, error) {
	if c.Name == "" {
		return Codespec{}, apperr.Wrap(apperr.Validation, "CreateCodespec", "name is required")
	}
	if c.Image == "" {
		return Codespec{}, apperr.Wrap(apperr.Validation, "CreateCodespec", "image is required")
	}
	if dup := duplicateBufferName(c.InputBuffers, c.OutputBuffers); dup != "" {
		return Codespec{}, apperr.Wrap(apperr.Validation, "CreateCodespec", "buffer parameter name %q used for both input and output", dup)
	}

	body, err := json.Marshal(codespecBody{
		Entrypoint:    c.Entrypoint,
		Args:          c.Args,
		Env:           c.Env,
		Resources:     c.Resources,
		InputBuffers:  c.InputBuffers,
		OutputBuffers: c.OutputBuffers,
		Endpoints:     c.Endpoints,
	})
	if err != nil {
		return Codespec{}, apperr.New(apperr.Internal, "CreateCodespec", err)
	}

	c.CreatedAt = time.Now().UTC()

	row := s.conn.QueryRowContext(ctx, `
		INSERT INTO codespecs (name, version, kind, image, working_dir, identity_hint, replicas, body, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM codespecs WHERE name = $1
		RETURNING version
	`, c.Name, c.Kind, c.Image, c.WorkingDir, c.IdentityHint, c.Replicas, body, c.CreatedAt)

	if err := row.Scan(&c.Version); err != nil {
		return Codespec{}, wrapQueryErr("CreateCodespec", err)
	}

	return c, nil
}

func duplicateBufferName(inputs, outputs []string) string {
	seen := make(map[string]bool, len(inputs))
	for _, n := range inputs {
		seen[n] = true
	}
	for _, n := range outputs {
		if seen[n] {
			return n
		}
	}
	return ""
}

// GetCodespec returns a specific version, or the latest version if
// version <= 0.
func (s *Store) GetCodespec(ctx context.Context, name string, version int) (Codespec, error) {
	var (
		c        Codespec
		bodyRaw  []byte
		row      *sql.Row
	)

	if version > 0 {
		row = s.conn.QueryRowContext(ctx, `
			SELECT name, version, kind, image, working_dir, identity_hint, replicas, body, created_at
			FROM codespecs WHERE name = $1 AND version = $2
		`, name, version)
	} else {
		row = s.conn.QueryRowContext(ctx, `
			SELECT name, version, kind, image, working_dir, identity_hint, replicas, body, created_at
			FROM codespecs WHERE name = $1 ORDER BY version DESC LIMIT 1
		`, name)
	}

	if err := row.Scan(&c.Name, &c.Version, &c.Kind, &c.Image, &c.WorkingDir, &c.IdentityHint, &c.Replicas, &bodyRaw, &c.CreatedAt); err != nil {
		return Codespec{}, wrapQueryErr("GetCodespec", err)
	}

	var body codespecBody
	if err := json.Unmarshal(bodyRaw, &body); err != nil {
		return Codespec{}, apperr.New(apperr.Internal, "GetCodespec", err)
	}
	c.Entrypoint = body.Entrypoint
	c.Args = body.Args
	c.Env = body.Env
	c.Resources = body.Resources
	c.InputBuffers = body.InputBuffers
	c.OutputBuffers = body.OutputBuffers
	c.Endpoints = body.Endpoints

	return c, nil
}

// ListCodespecVersions returns every version recorded for name, oldest
// first.
func (s *Store) ListCodespecVersions(ctx context.Context, name string) ([]int, error) {
	var versions []int
	rows, err := s.conn.QueryContext(ctx, `SELECT version FROM codespecs WHERE name = $1 ORDER BY version`, name)
	if err != nil {
		return nil, wrapQueryErr("ListCodespecVersions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, apperr.New(apperr.Internal, "ListCodespecVersions", err)
		}
		versions = append(versions, v)
	}
	return versions, wrapQueryErr("ListCodespecVersions", rows.Err())
}

// ListCodespecNames returns the distinct set of codespec names known to
// the store.
func (s *Store) ListCodespecNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.conn.SelectContext(ctx, &names, `SELECT DISTINCT name FROM codespecs ORDER BY name`)
	if err != nil {
		return nil, wrapQueryErr("ListCodespecNames", err)
	}
	return names, nil
}
