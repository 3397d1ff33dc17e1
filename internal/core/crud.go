// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/codec"
	"github.com/bureau-foundation/middlewared/lib/datastore"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/filter"
	"github.com/bureau-foundation/middlewared/lib/model"
)

// QueryArgs are the arguments of every <namespace>.query method.
type QueryArgs struct {
	Filters []any          `json:"filters"`
	Options filter.Options `json:"options"`
}

// IDArgs address one entry.
type IDArgs struct {
	ID int64 `json:"id"`
}

// CreateArgs wrap the payload of <namespace>.create.
type CreateArgs[C any] struct {
	Data C `json:"data"`
}

// UpdateArgs address an entry and carry the fields to change.
type UpdateArgs[U any] struct {
	ID   int64 `json:"id"`
	Data U     `json:"data"`
}

// CRUDHooks perform the writes of a CRUDService. Each hook validates
// its input against the datastore and writes it; the service reads the
// stored entry back for the reply.
type CRUDHooks[E, C, U any] interface {
	DoCreate(ctx context.Context, call *dispatch.Call, data C) (int64, error)
	DoUpdate(ctx context.Context, call *dispatch.Call, old E, data U) error
	DoDelete(ctx context.Context, call *dispatch.Call, old E) error
}

// CRUDService registers query, get_instance, create, update and
// delete for a datastore table. E is the entry as returned to
// callers, C the create payload and U the update payload, whose unset
// fields are left unchanged.
type CRUDService[E, C, U any] struct {
	Namespace string
	Table     string
	Prefix    string

	// RolePrefix names the <prefix>_READ and <prefix>_WRITE roles
	// guarding the methods.
	RolePrefix string

	// CreateSchema and UpdateSchema name the payload parameters in
	// validation errors, e.g. "user_create". They default to
	// <namespace>_create and <namespace>_update.
	CreateSchema string
	UpdateSchema string

	Hooks CRUDHooks[E, C, U]

	// SkipCreate leaves <namespace>.create to the plugin, for create
	// methods that return more than the stored entry.
	SkipCreate bool

	// Reshape rewrites a stored row into the JSON shape of E before
	// it is decoded.
	Reshape func(row map[string]any) map[string]any

	// Extend completes an entry read from the datastore.
	Extend func(ctx context.Context, entry *E) error

	// Version and the adapters describe the API history of the
	// create and update methods.
	Version        string
	CreateAdapters []dispatch.Adapter
	UpdateAdapters []dispatch.Adapter

	store *datastore.Store
}

// Register adds the five methods to the core's dispatcher.
func (s *CRUDService[E, C, U]) Register(c *Core) error {
	if s.Hooks == nil {
		return fmt.Errorf("core: %s: CRUD hooks are required", s.Namespace)
	}
	s.store = c.Store
	createSchema := s.CreateSchema
	if createSchema == "" {
		createSchema = s.Namespace + "_create"
	}
	updateSchema := s.UpdateSchema
	if updateSchema == "" {
		updateSchema = s.Namespace + "_update"
	}
	read := []string{s.RolePrefix + "_READ"}
	write := []string{s.RolePrefix + "_WRITE"}
	d := c.Dispatcher

	if err := dispatch.Register(d, dispatch.Method{
		Name:        s.Namespace + ".query",
		Description: "Query " + s.Namespace + " entries with filters and options",
		Roles:       read,
	}, s.query); err != nil {
		return err
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        s.Namespace + ".get_instance",
		Description: "Return the " + s.Namespace + " entry with the given id",
		Roles:       read,
	}, func(ctx context.Context, _ *dispatch.Call, args IDArgs) (E, error) {
		return s.Get(ctx, args.ID)
	}); err != nil {
		return err
	}
	if !s.SkipCreate {
		if err := dispatch.Register(d, dispatch.Method{
			Name:        s.Namespace + ".create",
			Description: "Create a " + s.Namespace + " entry",
			Roles:       write,
			ArgNames:    []string{createSchema},
			Version:     s.Version,
			Adapters:    s.CreateAdapters,
		}, s.create); err != nil {
			return err
		}
	}
	if err := dispatch.Register(d, dispatch.Method{
		Name:        s.Namespace + ".update",
		Description: "Update a " + s.Namespace + " entry",
		Roles:       write,
		ArgNames:    []string{"id", updateSchema},
		Version:     s.Version,
		Adapters:    s.UpdateAdapters,
	}, s.update); err != nil {
		return err
	}
	return dispatch.Register(d, dispatch.Method{
		Name:        s.Namespace + ".delete",
		Description: "Delete a " + s.Namespace + " entry",
		Roles:       write,
	}, s.delete)
}

// Entries returns every entry of the table, extended.
func (s *CRUDService[E, C, U]) Entries(ctx context.Context) ([]E, error) {
	result, err := s.store.Query(ctx, s.Table, nil, filter.Options{Prefix: s.Prefix})
	if err != nil {
		return nil, err
	}
	rows := result.([]map[string]any)
	entries := make([]E, 0, len(rows))
	for _, row := range rows {
		entry, err := s.decode(ctx, row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Get returns the entry with id.
func (s *CRUDService[E, C, U]) Get(ctx context.Context, id int64) (E, error) {
	row, err := s.store.Get(ctx, s.Table, id, s.Prefix)
	if err != nil {
		var zero E
		return zero, err
	}
	return s.decode(ctx, row)
}

func (s *CRUDService[E, C, U]) decode(ctx context.Context, row map[string]any) (E, error) {
	if s.Reshape != nil {
		row = s.Reshape(row)
	}
	entry, err := Decode[E](row)
	if err != nil {
		return entry, err
	}
	if s.Extend != nil {
		if err := s.Extend(ctx, &entry); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Insert stores a row built from v and returns its id.
func (s *CRUDService[E, C, U]) Insert(ctx context.Context, v any) (int64, error) {
	row, err := Row(v)
	if err != nil {
		return 0, err
	}
	return s.store.Insert(ctx, s.Table, row, s.Prefix)
}

// Write stores the fields of v over the row with id.
func (s *CRUDService[E, C, U]) Write(ctx context.Context, id int64, v any) error {
	row, err := Row(v)
	if err != nil {
		return err
	}
	return s.store.Update(ctx, s.Table, id, row, s.Prefix)
}

// Remove deletes the row with id.
func (s *CRUDService[E, C, U]) Remove(ctx context.Context, id int64) error {
	return s.store.Delete(ctx, s.Table, id)
}

// query filters on the unredacted entries and returns them redacted
// for callers that may not see secrets.
func (s *CRUDService[E, C, U]) query(ctx context.Context, call *dispatch.Call, args QueryArgs) (any, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	expr, err := filter.Compile(args.Filters)
	if err != nil {
		return nil, err
	}
	expose := call.ExposeSecrets()
	rows := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		raw, err := model.Dump(entry, true)
		if err != nil {
			return nil, err
		}
		if !expr.Match(raw.(map[string]any)) {
			continue
		}
		shown := raw
		if !expose {
			if shown, err = model.Dump(entry, false); err != nil {
				return nil, err
			}
		}
		rows = append(rows, shown.(map[string]any))
	}
	return filter.Finish(rows, args.Options)
}

func (s *CRUDService[E, C, U]) create(ctx context.Context, call *dispatch.Call, args CreateArgs[C]) (E, error) {
	id, err := s.Hooks.DoCreate(ctx, call, args.Data)
	if err != nil {
		var zero E
		return zero, err
	}
	return s.Get(ctx, id)
}

func (s *CRUDService[E, C, U]) update(ctx context.Context, call *dispatch.Call, args UpdateArgs[U]) (E, error) {
	old, err := s.Get(ctx, args.ID)
	if err != nil {
		return old, err
	}
	if err := s.Hooks.DoUpdate(ctx, call, old, args.Data); err != nil {
		return old, err
	}
	return s.Get(ctx, args.ID)
}

func (s *CRUDService[E, C, U]) delete(ctx context.Context, call *dispatch.Call, args IDArgs) (bool, error) {
	old, err := s.Get(ctx, args.ID)
	if err != nil {
		return false, err
	}
	if err := s.Hooks.DoDelete(ctx, call, old); err != nil {
		return false, err
	}
	return true, nil
}

// ConfigService registers <namespace>.config and <namespace>.update
// for a single-row configuration table.
type ConfigService[E, U any] struct {
	Namespace  string
	Table      string
	Prefix     string
	RolePrefix string

	// UpdateSchema defaults to <namespace>_update.
	UpdateSchema string

	// Validate checks the merged configuration before it is stored.
	Validate func(ctx context.Context, old, updated E) error

	// Updated runs after the new configuration is stored, typically to
	// reload the service it configures.
	Updated func(ctx context.Context, call *dispatch.Call, old, updated E) error

	store *datastore.Store
}

// Register adds the two methods to the core's dispatcher.
func (s *ConfigService[E, U]) Register(c *Core) error {
	s.store = c.Store
	updateSchema := s.UpdateSchema
	if updateSchema == "" {
		updateSchema = s.Namespace + "_update"
	}
	if err := dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        s.Namespace + ".config",
		Description: "Return the " + s.Namespace + " configuration",
		Roles:       []string{s.RolePrefix + "_READ"},
	}, func(ctx context.Context, _ *dispatch.Call, _ dispatch.Args) (E, error) {
		entry, _, err := s.Config(ctx)
		return entry, err
	}); err != nil {
		return err
	}
	return dispatch.Register(c.Dispatcher, dispatch.Method{
		Name:        s.Namespace + ".update",
		Description: "Update the " + s.Namespace + " configuration",
		Roles:       []string{s.RolePrefix + "_WRITE"},
		ArgNames:    []string{updateSchema},
	}, s.update)
}

// Config returns the configuration and the id of its row.
func (s *ConfigService[E, U]) Config(ctx context.Context) (E, int64, error) {
	row, err := s.store.Config(ctx, s.Table, s.Prefix)
	if err != nil {
		var zero E
		return zero, 0, err
	}
	id, _ := row["id"].(int64)
	entry, err := Decode[E](row)
	return entry, id, err
}

func (s *ConfigService[E, U]) update(ctx context.Context, call *dispatch.Call, args CreateArgs[U]) (E, error) {
	old, id, err := s.Config(ctx)
	if err != nil {
		return old, err
	}
	updated, err := Merge(old, args.Data)
	if err != nil {
		return old, err
	}
	if s.Validate != nil {
		if err := s.Validate(ctx, old, updated); err != nil {
			return old, err
		}
	}
	row, err := Row(updated)
	if err != nil {
		return old, err
	}
	delete(row, "id")
	if err := s.store.Update(ctx, s.Table, id, row, s.Prefix); err != nil {
		return old, err
	}
	stored, _, err := s.Config(ctx)
	if err != nil {
		return stored, err
	}
	if s.Updated != nil {
		if err := s.Updated(ctx, call, old, stored); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// Row converts v into a datastore row keyed by its JSON field names.
func Row(v any) (map[string]any, error) {
	generic, err := codec.Normalize(v)
	if err != nil {
		return nil, err
	}
	row, ok := generic.(map[string]any)
	if !ok {
		return nil, apierror.Call(apierror.EINVAL, "Expected an object, got %T", v)
	}
	return row, nil
}

// Merge overlays the set fields of update onto a copy of old. Fields
// of update that encode as absent (nil pointers with omitempty) keep
// their old values.
func Merge[E, U any](old E, update U) (E, error) {
	merged, err := Decode[E](old)
	if err != nil {
		return merged, err
	}
	encoded, err := json.Marshal(update)
	if err != nil {
		return merged, fmt.Errorf("core: encoding update: %w", err)
	}
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return merged, fmt.Errorf("core: applying update: %w", err)
	}
	return merged, nil
}
