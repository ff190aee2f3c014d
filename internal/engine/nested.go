package engine

import (
	"context"
	"fmt"

	"datacore/internal/metadata"
	"datacore/internal/query"
	"datacore/internal/store"
)

// loadNested attaches the relational nodes of one level to rows. Each node
// costs one statement for all rows of the level, never one per row.
func (s *ItemsService) loadNested(ctx context.Context, comp *query.Compiler, rules query.Rules, collection string, nodes []query.Node, rows []map[string]any) error {
	for _, n := range nodes {
		node, ok := n.(*query.RelationNode)
		if !ok {
			continue
		}
		if node.Type == query.RelationA2O {
			if err := s.loadAnyToOne(ctx, comp, rules, collection, node, rows); err != nil {
				return err
			}
			continue
		}

		parentKey := comp.ParentKey(collection, node)
		keys := distinctValues(rows, parentKey)
		index := map[string][]map[string]any{}
		if len(keys) > 0 {
			ns, children, err := s.loadLevel(ctx, comp, rules, collection, node, "", keys)
			if err != nil {
				return err
			}
			index = indexRows(children, ns.ChildKey)
			dropHelpers(children, ns.Helpers)
		}

		for _, row := range rows {
			parent := row[parentKey]
			switch {
			case node.Type.IsToMany() && parent == nil:
				row[node.Key()] = nil
			case node.Type.IsToMany():
				related := index[fmt.Sprint(parent)]
				if related == nil {
					related = []map[string]any{}
				}
				row[node.Key()] = related
			case parent != nil:
				// A related row hidden by its row filter reads as null.
				row[node.Key()] = first(index[fmt.Sprint(parent)])
			}
		}
	}
	return nil
}

// loadAnyToOne loads a polymorphic relation with one statement per target
// collection.
func (s *ItemsService) loadAnyToOne(ctx context.Context, comp *query.Compiler, rules query.Rules, collection string, node *query.RelationNode, rows []map[string]any) error {
	collField := node.Relation.OneCollectionField
	key := node.Key()

	loaded := map[string]map[string][]map[string]any{}
	for target := range node.Targets {
		var matching []map[string]any
		for _, row := range rows {
			if fmt.Sprint(row[collField]) == target {
				matching = append(matching, row)
			}
		}
		keys := distinctValues(matching, key)
		if len(keys) == 0 {
			continue
		}
		ns, related, err := s.loadLevel(ctx, comp, rules, collection, node, target, keys)
		if err != nil {
			return err
		}
		loaded[target] = indexRows(related, ns.ChildKey)
		dropHelpers(related, ns.Helpers)
	}

	for _, row := range rows {
		if row[key] == nil {
			continue
		}
		target := fmt.Sprint(row[collField])
		if _, requested := node.Targets[target]; !requested {
			// Targets that were not asked for keep the bare key.
			continue
		}
		row[key] = first(loaded[target][fmt.Sprint(row[key])])
	}
	return nil
}

func (s *ItemsService) loadLevel(ctx context.Context, comp *query.Compiler, rules query.Rules, collection string, node *query.RelationNode, target string, keys []any) (*query.NestedStatement, []map[string]any, error) {
	ns, err := comp.CompileNested(collection, node, target, rules, keys)
	if err != nil {
		return nil, nil, err
	}
	children := node.Children
	if node.Type == query.RelationA2O {
		children = node.Targets[target]
	}
	dec := columnDecoders(comp.Schema().Collection(ns.Collection), children, ns.Statement)
	rows, err := s.store.QueryRows(ctx, dec, ns.SQL, ns.Args...)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s.%s: %w", collection, node.Name, err)
	}
	if err := s.loadNested(ctx, comp, rules, ns.Collection, children, rows); err != nil {
		return nil, nil, err
	}
	return ns, rows, nil
}

// columnDecoders maps the result keys of a level to their decoding: geometry
// as GeoJSON, booleans, timestamps, JSON and CSV parsed, hashes masked.
func columnDecoders(coll *metadata.Collection, nodes []query.Node, stmt *query.Statement) store.Decoders {
	dec := store.Decoders{}
	for _, key := range stmt.Geometry {
		dec[key] = query.DecodeGeometry
	}
	for _, n := range nodes {
		fn, ok := n.(*query.FieldNode)
		if !ok {
			continue
		}
		f := coll.GetField(fn.Name)
		if f == nil {
			continue
		}
		switch f.Type {
		case metadata.TypeBoolean:
			dec[fn.Key()] = store.DecodeBool
		case metadata.TypeDateTime, metadata.TypeTimestamp:
			dec[fn.Key()] = store.DecodeTime
		case metadata.TypeJSON:
			dec[fn.Key()] = store.DecodeJSON
		case metadata.TypeCSV:
			dec[fn.Key()] = store.DecodeCSV
		case metadata.TypeHash:
			dec[fn.Key()] = maskHash
		}
	}
	return dec
}

func maskHash(any) (any, error) {
	return maskedHash, nil
}

// dropHelpers removes the columns selected only to stitch levels together.
func dropHelpers(rows []map[string]any, helpers []string) {
	for _, row := range rows {
		for _, h := range helpers {
			delete(row, h)
		}
	}
}

func distinctValues(rows []map[string]any, key string) []any {
	seen := map[string]bool{}
	var out []any
	for _, row := range rows {
		v := row[key]
		if v == nil {
			continue
		}
		k := fmt.Sprint(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func indexRows(rows []map[string]any, key string) map[string][]map[string]any {
	index := make(map[string][]map[string]any, len(rows))
	for _, row := range rows {
		if v := row[key]; v != nil {
			k := fmt.Sprint(v)
			index[k] = append(index[k], row)
		}
	}
	return index
}

func first(rows []map[string]any) any {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}
