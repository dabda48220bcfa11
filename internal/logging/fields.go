// Package logging provides the structured-field helper threaded through
// every reconciler and executor log line, plus the composition root's
// logr.Logger construction.
package logging

import "time"

// Fields is a chainable set of structured logging key/value pairs.
type Fields map[string]any

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Err(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) RunID(id string) Fields {
	f["run_id"] = id
	return f
}

func (f Fields) EnvironmentID(id string) Fields {
	f["environment_id"] = id
	return f
}

func (f Fields) ProgramID(id string) Fields {
	f["program_id"] = id
	return f
}

// AsKV flattens the field set into the alternating key/value slice
// logr.Logger.WithValues and Info/Error expect.
func (f Fields) AsKV() []any {
	kv := make([]any, 0, len(f)*2)
	for k, v := range f {
		kv = append(kv, k, v)
	}
	return kv
}
