package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"datacore/internal/apperr"
	"datacore/internal/metadata"
	"datacore/internal/query"
)

// ParseQueryParams reads the read parameters of a request:
//
//	fields=title,author.name  filter={"status":{"_eq":"published"}}
//	sort=-published,title      limit=10  offset=20  page=3
//	aggregate={"count":"*"}    groupBy=status  search=term
//	alias={"writer":"author"}  deep={"comments":{"_limit":2}}
func ParseQueryParams(c *fiber.Ctx) (query.Query, error) {
	var q query.Query
	var err error

	q.Fields = splitList(c.Query("fields"))
	q.Sort = splitList(c.Query("sort"))
	q.Group = splitList(c.Query("groupBy"))
	q.Search = c.Query("search")

	if raw := c.Query("filter"); raw != "" {
		if q.Filter, err = parseFilter(raw); err != nil {
			return q, err
		}
	}
	if q.Limit, err = intParam(c, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(c, "offset"); err != nil {
		return q, err
	}
	if q.Page, err = intParam(c, "page"); err != nil {
		return q, err
	}
	if raw := c.Query("aggregate"); raw != "" {
		var agg map[string]any
		if err := json.Unmarshal([]byte(raw), &agg); err != nil {
			return q, apperr.InvalidQuery("invalid aggregate parameter: %v", err)
		}
		if q.Aggregate, err = parseAggregate(agg); err != nil {
			return q, err
		}
	}
	if raw := c.Query("alias"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Alias); err != nil {
			return q, apperr.InvalidQuery("invalid alias parameter: %v", err)
		}
	}
	if raw := c.Query("deep"); raw != "" {
		var deep map[string]any
		if err := json.Unmarshal([]byte(raw), &deep); err != nil {
			return q, apperr.InvalidQuery("invalid deep parameter: %v", err)
		}
		if q.Deep, err = parseDeep(deep); err != nil {
			return q, err
		}
	}
	return q, nil
}

func parseFilter(raw string) (metadata.Filter, error) {
	var f metadata.Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, apperr.InvalidQuery("invalid filter parameter: %v", err)
	}
	return f, nil
}

func intParam(c *fiber.Ctx, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidQuery("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

// parseAggregate accepts {"count":"*"}, {"sum":"price,total"} and {"sum":["price"]}.
func parseAggregate(agg map[string]any) (map[string][]string, error) {
	out := make(map[string][]string, len(agg))
	for fn, v := range agg {
		switch v := v.(type) {
		case string:
			out[fn] = splitList(v)
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, apperr.InvalidQuery("aggregate %s expects field names", fn)
				}
				out[fn] = append(out[fn], s)
			}
		default:
			return nil, apperr.InvalidQuery("aggregate %s expects field names", fn)
		}
	}
	return out, nil
}

// parseDeep reads nested query parameters. Keys starting with "_" are
// parameters of the level; other keys descend into relational fields.
func parseDeep(deep map[string]any) (map[string]*query.Query, error) {
	out := make(map[string]*query.Query, len(deep))
	for field, v := range deep {
		params, ok := v.(map[string]any)
		if !ok {
			return nil, apperr.InvalidQuery("deep parameters of %q must be an object", field)
		}
		q := &query.Query{}
		nested := map[string]any{}
		for key, value := range params {
			if !strings.HasPrefix(key, "_") {
				nested[key] = value
				continue
			}
			if err := setDeepParam(q, key, value); err != nil {
				return nil, err
			}
		}
		if len(nested) > 0 {
			d, err := parseDeep(nested)
			if err != nil {
				return nil, err
			}
			q.Deep = d
		}
		out[field] = q
	}
	return out, nil
}

func setDeepParam(q *query.Query, key string, value any) error {
	switch key {
	case "_filter":
		f, ok := metadata.AsFilter(value)
		if !ok {
			return apperr.InvalidQuery("deep _filter must be an object")
		}
		q.Filter = f
	case "_sort":
		q.Sort = stringList(value)
	case "_fields":
		q.Fields = stringList(value)
	case "_search":
		q.Search, _ = value.(string)
	case "_limit", "_offset", "_page":
		n, ok := toInt(value)
		if !ok {
			return apperr.InvalidQuery("deep %s must be an integer", key)
		}
		switch key {
		case "_limit":
			q.Limit = n
		case "_offset":
			q.Offset = n
		default:
			q.Page = n
		}
	default:
		return apperr.InvalidQuery("unknown deep parameter %q", key)
	}
	return nil
}

func stringList(v any) []string {
	switch v := v.(type) {
	case string:
		return splitList(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch v := v.(type) {
	case float64:
		return int(v), v == float64(int(v))
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
