package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"datacore/internal/apperr"
	"datacore/internal/instrument"
	"datacore/internal/metadata"
	"datacore/internal/permissions"
	"datacore/internal/query"
	"datacore/internal/store"
	"datacore/internal/validate"
)

const maskedHash = "**********"

type Options struct {
	// DefaultLimit applies to root reads without a limit.
	DefaultLimit int
	// MaxLimit caps root reads; zero or negative disables the cap.
	MaxLimit int
}

// ItemsService reads and writes collection items on behalf of a caller,
// enforcing the caller's permissions.
type ItemsService struct {
	store       *store.Store
	registry    *metadata.Registry
	permissions *permissions.Service
	validator   *validate.Validator
	opts        Options
}

// NewItemsService also registers the service as the permission service's
// item fetcher.
func NewItemsService(s *store.Store, reg *metadata.Registry, perms *permissions.Service, v *validate.Validator, opts Options) *ItemsService {
	svc := &ItemsService{store: s, registry: reg, permissions: perms, validator: v, opts: opts}
	perms.SetItemFetcher(svc)
	return svc
}

func (s *ItemsService) compiler() *query.Compiler {
	return query.NewCompiler(s.registry.Snapshot(), s.store.Dialect)
}

// ReadByQuery returns the items of collection matching q that acc may see.
func (s *ItemsService) ReadByQuery(ctx context.Context, acc *metadata.Accountability, collection string, q query.Query) (rows []map[string]any, err error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "items", "items.read")
	span.SetEntity(collection)
	defer func() { instrument.Finish(span, err) }()

	comp := s.compiler()
	schema := comp.Schema()
	if schema.Collection(collection) == nil {
		return nil, apperr.UnknownCollection(collection)
	}

	eval, err := s.permissions.Evaluate(ctx, acc, metadata.ActionRead)
	if err != nil {
		return nil, err
	}
	rules := eval.Rules()

	q = s.applyLimits(q)
	ast, err := query.BuildAST(schema, collection, q, rules)
	if err != nil {
		return nil, err
	}
	stmt, err := comp.Compile(ast, rules)
	if err != nil {
		return nil, err
	}

	dec := columnDecoders(schema.Collection(collection), ast.Children, stmt)
	rows, err = s.store.QueryRows(ctx, dec, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}
	if len(q.Aggregate) == 0 && len(q.Group) == 0 {
		if err := s.loadNested(ctx, comp, rules, collection, ast.Children, rows); err != nil {
			return nil, err
		}
	}
	dropHelpers(rows, stmt.Helpers)
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// ReadOne returns the item with primary key id, or NotFound when it does not
// exist or acc may not see it.
func (s *ItemsService) ReadOne(ctx context.Context, acc *metadata.Accountability, collection string, id any, q query.Query) (map[string]any, error) {
	coll := s.registry.GetCollection(collection)
	if coll == nil {
		return nil, apperr.UnknownCollection(collection)
	}
	byKey := metadata.Filter{coll.PrimaryKey: map[string]any{"_eq": id}}
	if len(q.Filter) > 0 {
		byKey = metadata.Filter{"_and": []any{q.Filter, byKey}}
	}
	q.Filter = byKey
	q.Limit, q.Offset, q.Page = 1, 0, 0

	rows, err := s.ReadByQuery(ctx, acc, collection, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound(collection, id)
	}
	return rows[0], nil
}

// FetchItems reads rows by primary key without permission checks. fields may
// hold dotted relational paths.
func (s *ItemsService) FetchItems(ctx context.Context, collection string, keys []string, fields []string) ([]map[string]any, error) {
	coll := s.registry.GetCollection(collection)
	if coll == nil {
		return nil, apperr.UnknownCollection(collection)
	}
	in := make([]any, len(keys))
	for i, k := range keys {
		in[i] = k
	}
	return s.ReadByQuery(ctx, nil, collection, query.Query{
		Fields: append([]string{coll.PrimaryKey}, fields...),
		Filter: metadata.Filter{coll.PrimaryKey: map[string]any{"_in": in}},
		Limit:  -1,
	})
}

// CreateOne inserts payload and returns the new primary key.
func (s *ItemsService) CreateOne(ctx context.Context, acc *metadata.Accountability, collection string, payload map[string]any) (_ any, err error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "items", "items.create")
	span.SetEntity(collection)
	defer func() { instrument.Finish(span, err) }()

	coll, perms, _, err := s.prepareWrite(ctx, acc, collection, metadata.ActionCreate)
	if err != nil {
		return nil, err
	}
	payload, err = s.validator.Validate(ctx, collection, metadata.ActionCreate, payload, perms)
	if err != nil {
		return nil, err
	}
	if _, ok := payload[coll.PrimaryKey]; !ok {
		if f := coll.GetField(coll.PrimaryKey); f != nil && !f.Generated && (f.Type == metadata.TypeUUID || f.Type == metadata.TypeString) {
			payload[coll.PrimaryKey] = uuid.NewString()
		}
	}
	if err := hashFields(coll, payload); err != nil {
		return nil, err
	}

	stmt, err := s.compiler().CompileInsert(collection, payload)
	if err != nil {
		return nil, err
	}
	row, err := s.store.QueryRow(ctx, nil, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, writeError(collection, err)
	}
	if err := s.afterWrite(ctx, collection); err != nil {
		return nil, err
	}
	return row[coll.PrimaryKey], nil
}

// UpdateOne applies payload to the item with primary key id.
func (s *ItemsService) UpdateOne(ctx context.Context, acc *metadata.Accountability, collection string, id any, payload map[string]any) (err error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "items", "items.update")
	span.SetEntity(collection)
	defer func() { instrument.Finish(span, err) }()

	coll, perms, eval, err := s.prepareWrite(ctx, acc, collection, metadata.ActionUpdate)
	if err != nil {
		return err
	}
	payload, err = s.validator.Validate(ctx, collection, metadata.ActionUpdate, payload, perms)
	if err != nil {
		return err
	}
	if err := hashFields(coll, payload); err != nil {
		return err
	}

	stmt, err := s.compiler().CompileUpdate(collection, []any{id}, payload, eval.Rules())
	if err != nil {
		return err
	}
	return s.execWrite(ctx, eval, collection, id, stmt)
}

// DeleteOne removes the item with primary key id.
func (s *ItemsService) DeleteOne(ctx context.Context, acc *metadata.Accountability, collection string, id any) (err error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "items", "items.delete")
	span.SetEntity(collection)
	defer func() { instrument.Finish(span, err) }()

	_, _, eval, err := s.prepareWrite(ctx, acc, collection, metadata.ActionDelete)
	if err != nil {
		return err
	}
	stmt, err := s.compiler().CompileDelete(collection, []any{id}, eval.Rules())
	if err != nil {
		return err
	}
	return s.execWrite(ctx, eval, collection, id, stmt)
}

func (s *ItemsService) prepareWrite(ctx context.Context, acc *metadata.Accountability, collection, action string) (*metadata.Collection, []metadata.Permission, *permissions.Evaluation, error) {
	coll := s.registry.GetCollection(collection)
	if coll == nil {
		return nil, nil, nil, apperr.UnknownCollection(collection)
	}
	eval, err := s.permissions.Evaluate(ctx, acc, action, collection)
	if err != nil {
		return nil, nil, nil, err
	}
	if eval.Admin() {
		return coll, nil, eval, nil
	}
	return coll, eval.PermissionsFor(collection), eval, nil
}

// execWrite runs an update or delete of one item. No affected row means the
// item is missing, or hidden from an unprivileged caller.
func (s *ItemsService) execWrite(ctx context.Context, eval *permissions.Evaluation, collection string, id any, stmt *query.Statement) error {
	affected, err := s.store.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return writeError(collection, err)
	}
	if affected == 0 {
		if eval.Admin() {
			return apperr.NotFound(collection, id)
		}
		return apperr.Forbidden("")
	}
	return s.afterWrite(ctx, collection)
}

func (s *ItemsService) applyLimits(q query.Query) query.Query {
	if q.Limit == 0 {
		q.Limit = s.opts.DefaultLimit
	}
	if s.opts.MaxLimit > 0 && (q.Limit < 0 || q.Limit > s.opts.MaxLimit) {
		q.Limit = s.opts.MaxLimit
	}
	return q
}

func hashFields(coll *metadata.Collection, payload map[string]any) error {
	for key, v := range payload {
		f := coll.GetField(key)
		if f == nil || f.Type != metadata.TypeHash {
			continue
		}
		plain, ok := v.(string)
		if !ok || plain == "" {
			continue
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash %s: %w", key, err)
		}
		payload[key] = string(hashed)
	}
	return nil
}

func writeError(collection string, err error) error {
	if errors.Is(err, store.ErrUniqueViolation) {
		return apperr.New(apperr.CodeRecordNotUnique, 409, fmt.Sprintf("A record with this value already exists in %s", collection))
	}
	return fmt.Errorf("write %s: %w", collection, err)
}
