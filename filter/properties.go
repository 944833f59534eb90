package filter

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrEmptyPropertyPath    = errors.New("property path is empty")
	ErrEmptyPropertySegment = errors.New("property path has an empty segment")
)

// Properties is the per-request property store. Values are addressed by a path of segments and
// forwarded to Envoy as dynamic metadata, so later stages such as the access log can consume them.
// Like RequestContext it is not safe for concurrent use.
type Properties struct {
	values  map[string]any
	pending bool
}

var _ PropertyStore = &Properties{}

// SetProperty stores value under path. A later write to the same path replaces the previous value.
func (p *Properties) SetProperty(path []string, value []byte) error {
	if len(path) == 0 {
		return ErrEmptyPropertyPath
	}
	for _, segment := range path {
		if segment == "" {
			return fmt.Errorf("%w: %q", ErrEmptyPropertySegment, strings.Join(path, "."))
		}
	}
	if p.values == nil {
		p.values = make(map[string]any)
	}

	node := p.values
	for _, segment := range path[:len(path)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[segment] = child
		}
		node = child
	}
	node[path[len(path)-1]] = string(value)
	p.pending = true
	return nil
}

// Property returns the value stored under path.
func (p *Properties) Property(path []string) ([]byte, bool) {
	if len(path) == 0 || p.values == nil {
		return nil, false
	}
	node := p.values
	for _, segment := range path[:len(path)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	value, ok := node[path[len(path)-1]].(string)
	if !ok {
		return nil, false
	}
	return []byte(value), true
}

// Len returns the number of top level properties.
func (p *Properties) Len() int {
	return len(p.values)
}

// Flush returns the properties nested under namespace if anything was written since the last flush,
// or nil otherwise.
func (p *Properties) Flush(namespace string) (*structpb.Struct, error) {
	if !p.pending {
		return nil, nil
	}
	md, err := structpb.NewStruct(map[string]any{
		namespace: p.values,
	})
	if err != nil {
		return nil, fmt.Errorf("could not convert properties: %w", err)
	}
	p.pending = false
	return md, nil
}
