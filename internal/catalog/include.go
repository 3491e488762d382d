package catalog

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	includeKeyword  = "external"
	includeLocation = "href"

	// maxIncludeDepth bounds nested includes so a file that includes
	// itself fails instead of recursing forever.
	maxIncludeDepth = 16
)

// includeResolver replaces {"external": {"href": ..., "type": ...}}
// objects with the referenced file's contents. An include of type "list"
// inside an array is spliced in place of the element.
type includeResolver struct {
	base  string
	depth int
}

func (r *includeResolver) resolve(def map[string]any) error {
	for k, v := range def {
		nv, err := r.value(v)
		if err != nil {
			return err
		}
		def[k] = nv
	}
	return nil
}

func (r *includeResolver) value(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if ext, ok := t[includeKeyword].(map[string]any); ok {
			loaded, err := r.load(ext)
			if err != nil {
				return nil, err
			}
			return r.nested().value(loaded)
		}
		if err := r.resolve(t); err != nil {
			return nil, err
		}
		return t, nil

	case []any:
		out := make([]any, 0, len(t))
		for _, elem := range t {
			m, ok := elem.(map[string]any)
			ext, isInclude := m[includeKeyword].(map[string]any)
			if !ok || !isInclude || ext["type"] != "list" {
				nv, err := r.value(elem)
				if err != nil {
					return nil, err
				}
				out = append(out, nv)
				continue
			}

			loaded, err := r.load(ext)
			if err != nil {
				return nil, err
			}
			list, ok := loaded.([]any)
			if !ok {
				return nil, fmt.Errorf("include %v is not a list", ext[includeLocation])
			}
			resolved, err := r.nested().value(list)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved.([]any)...)
		}
		return out, nil

	default:
		return v, nil
	}
}

func (r *includeResolver) nested() *includeResolver {
	return &includeResolver{base: r.base, depth: r.depth + 1}
}

func (r *includeResolver) load(ext map[string]any) (any, error) {
	if r.depth >= maxIncludeDepth {
		return nil, fmt.Errorf("includes nested deeper than %d", maxIncludeDepth)
	}

	href, _ := ext[includeLocation].(string)
	if href == "" {
		return nil, fmt.Errorf("include without %s", includeLocation)
	}

	path := r.path(href)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading include %s: %w", href, err)
	}

	var v any
	if err := decodeFile(path, data, &v); err != nil {
		return nil, fmt.Errorf("include %s is invalid: %w", href, err)
	}
	return v, nil
}

// path resolves href: file: URLs and absolute paths are used as-is,
// anything else is relative to the API's base directory.
func (r *includeResolver) path(href string) string {
	if strings.HasPrefix(href, "file:") {
		if u, err := url.Parse(href); err == nil {
			return u.Path
		}
	}
	if filepath.IsAbs(href) {
		return href
	}
	return filepath.Join(r.base, href)
}
