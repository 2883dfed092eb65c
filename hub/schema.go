package hub

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/plughub-go/fault"
	"github.com/machinefabric/plughub-go/wire"
)

type compiledQuery struct {
	decl   wire.QuerySchema
	key    *gojsonschema.Schema
	output *gojsonschema.Schema
}

// schemaSet holds a plugin's declared queries with their schemas compiled.
// It is immutable after construction.
type schemaSet struct {
	queries map[string]*compiledQuery
	order   []string
}

func compileSchemas(declared *wire.QuerySchemas) (*schemaSet, error) {
	set := &schemaSet{queries: make(map[string]*compiledQuery)}
	if declared == nil {
		return set, nil
	}
	for _, qs := range declared.Schemas {
		if qs.QueryName == "" {
			return nil, fault.New(fault.KindProtocol, "plugin declared a query without a name")
		}
		if _, dup := set.queries[qs.QueryName]; dup {
			return nil, fault.New(fault.KindProtocol, "plugin declared query %q twice", qs.QueryName)
		}
		cq := &compiledQuery{decl: qs}
		var err error
		if cq.key, err = compileSchema(qs.KeySchema); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, err, "query %q: invalid key schema", qs.QueryName)
		}
		if cq.output, err = compileSchema(qs.OutputSchema); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, err, "query %q: invalid output schema", qs.QueryName)
		}
		set.queries[qs.QueryName] = cq
		set.order = append(set.order, qs.QueryName)
	}
	return set, nil
}

// compileSchema compiles a JSON schema. An empty schema accepts anything.
func compileSchema(schema string) (*gojsonschema.Schema, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
}

func (s *schemaSet) lookup(name string) (*compiledQuery, bool) {
	cq, ok := s.queries[name]
	return cq, ok
}

func (s *schemaSet) declared() []wire.QuerySchema {
	out := make([]wire.QuerySchema, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.queries[name].decl)
	}
	return out
}

func (cq *compiledQuery) validateKey(key json.RawMessage) error {
	if err := validate(cq.key, key); err != nil {
		return fault.Wrap(fault.KindInvalidKey, err, "key does not match schema of %q", cq.decl.QueryName)
	}
	return nil
}

func (cq *compiledQuery) validateOutput(output json.RawMessage) error {
	if err := validate(cq.output, output); err != nil {
		return fault.Wrap(fault.KindProtocol, err, "output does not match schema of %q", cq.decl.QueryName)
	}
	return nil
}

type schemaViolation []string

func (v schemaViolation) Error() string {
	return strings.Join(v, "; ")
}

func validate(schema *gojsonschema.Schema, value json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(value))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	var v schemaViolation
	for _, e := range result.Errors() {
		v = append(v, e.String())
	}
	return v
}
