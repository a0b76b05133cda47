package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// collectionSelection renders the unaliased `<collection>(...) { ... }`
// selection set shared by a standalone QueryCollection and a batched one
// (SPEC_FULL §5, mirroring original_source's query_collection wire shape).
func collectionSelection(collection string, filter map[string]interface{}, result string, limit int, order string) string {
	var args []string
	if len(filter) > 0 {
		args = append(args, fmt.Sprintf("filter: %s", jsonLit(sortedFilter(filter))))
	}
	if limit > 0 {
		args = append(args, fmt.Sprintf("limit: %d", limit))
	}
	if order != "" {
		args = append(args, fmt.Sprintf("orderBy: %s", jsonLit(order)))
	}

	if result == "" {
		result = "id"
	}

	return fmt.Sprintf("%s(%s) { %s }", collection, strings.Join(args, ", "), result)
}

// buildCollectionQuery wraps one collectionSelection in its own query body
// for a standalone QueryCollection/WaitForCollection call.
func buildCollectionQuery(op, collection string, filter map[string]interface{}, result string, limit int, order string) string {
	return fmt.Sprintf("%s { %s }", op, collectionSelection(collection, filter, result, limit, order))
}

// aggregateSelection renders the unaliased `aggregateX(...)` selection
// shared by a standalone AggregateCollection and a batched one. fields
// mirrors original_source's FieldAggregation{field, aggregation_fn} list:
// each entry is either a bare aggregation function name applied to the
// whole row (field "", e.g. "COUNT") or "path:FN" to aggregate a specific
// field (e.g. "balance:SUM").
func aggregateSelection(collection string, filter map[string]interface{}, fields []string) string {
	var args []string
	if len(filter) > 0 {
		args = append(args, fmt.Sprintf("filter: %s", jsonLit(sortedFilter(filter))))
	}
	if len(fields) > 0 {
		args = append(args, fmt.Sprintf("fields: %s", jsonLit(fieldAggregations(fields))))
	}

	name := "aggregate"
	if collection != "" {
		name += strings.ToUpper(collection[:1]) + collection[1:]
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(args, ", "))
}

// buildAggregateQuery wraps one aggregateSelection in its own query body
// for a standalone AggregateCollection call.
func buildAggregateQuery(collection string, filter map[string]interface{}, fields []string) string {
	return fmt.Sprintf("query { %s }", aggregateSelection(collection, filter, fields))
}

// fieldAggregation is the wire shape of one FieldAggregation entry.
type fieldAggregation struct {
	Field string `json:"field"`
	Fn    string `json:"fn"`
}

func fieldAggregations(fields []string) []fieldAggregation {
	out := make([]fieldAggregation, len(fields))
	for i, f := range fields {
		field, fn := "", f
		if idx := strings.Index(f, ":"); idx >= 0 {
			field, fn = f[:idx], f[idx+1:]
		}
		out[i] = fieldAggregation{Field: field, Fn: fn}
	}
	return out
}

// collectionRows unwraps the `data` envelope field down to the named
// collection's row array, e.g. {"blocks":[{...}]} -> [{...}].
func collectionRows(data json.RawMessage, collection string) ([]json.RawMessage, error) {
	raw, err := envelopeField(data, collection)
	if err != nil || raw == nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// envelopeField pulls one top-level key (a collection name or a batch op's
// alias) out of a `data` envelope.
func envelopeField(data json.RawMessage, key string) (json.RawMessage, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	return wrapper[key], nil
}

// sortedFilter returns a shallow copy of filter (nil stays nil). A Go map
// has no key order of its own; the rendered filter is reproducible because
// json.Marshal writes map keys in sorted order.
func sortedFilter(filter map[string]interface{}) map[string]interface{} {
	if filter == nil {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(filter))
	for _, k := range keys {
		ordered[k] = filter[k]
	}
	return ordered
}

func jsonLit(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}
