package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Querier is the subset of *sql.DB the loader needs.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadAll reads collections, fields and relations from the system tables and
// publishes them as a new registry generation.
func LoadAll(ctx context.Context, db Querier, reg *Registry) error {
	collections, err := loadCollections(ctx, db)
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}

	if err := loadFields(ctx, db, collections); err != nil {
		return fmt.Errorf("load fields: %w", err)
	}

	relations, err := loadRelations(ctx, db)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}

	list := make([]*Collection, 0, len(collections))
	for _, c := range collections {
		list = append(list, c)
	}
	reg.Load(NewSchema(list, relations))

	slog.Info("schema loaded", "collections", len(collections), "relations", len(relations), "generation", reg.Generation())
	return nil
}

// Reload is an alias for LoadAll, called after schema mutations.
func Reload(ctx context.Context, db Querier, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadCollections(ctx context.Context, db Querier) (map[string]*Collection, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	collections := make(map[string]*Collection)
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan collection row: %w", err)
		}

		c := &Collection{Name: name}
		if len(defJSON) > 0 {
			if err := json.Unmarshal(defJSON, c); err != nil {
				slog.Warn("skipping collection with invalid definition", "collection", name, "err", err)
				continue
			}
		}
		c.Name = name
		if c.PrimaryKey == "" {
			c.PrimaryKey = "id"
		}
		c.Fields = make(map[string]*Field)
		collections[name] = c
	}
	return collections, rows.Err()
}

func loadFields(ctx context.Context, db Querier, collections map[string]*Collection) error {
	rows, err := db.QueryContext(ctx, "SELECT collection, name, definition FROM _fields ORDER BY collection, name")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var collection, name string
		var defJSON []byte
		if err := rows.Scan(&collection, &name, &defJSON); err != nil {
			return fmt.Errorf("scan field row: %w", err)
		}
		c, ok := collections[collection]
		if !ok {
			slog.Warn("skipping field of unknown collection", "collection", collection, "field", name)
			continue
		}

		f := &Field{}
		if err := json.Unmarshal(defJSON, f); err != nil {
			slog.Warn("skipping field with invalid definition", "collection", collection, "field", name, "err", err)
			continue
		}
		f.Name = name
		c.Fields[name] = f
	}
	return rows.Err()
}

func loadRelations(ctx context.Context, db Querier) ([]*Relation, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, definition FROM _relations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var id string
		var defJSON []byte
		if err := rows.Scan(&id, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}

		var rel Relation
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			slog.Warn("skipping relation with invalid definition", "relation", id, "err", err)
			continue
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}
