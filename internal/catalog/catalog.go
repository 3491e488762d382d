// Package catalog loads upstream API descriptors and their method
// definitions from a config directory and caches them. Consumers refresh
// entries explicitly through Refresh or RefreshAll.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	apierrors "github.com/alexjbarnes/apibroker/internal/errors"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// configBaseNames are tried in order when loading the catalog index.
var configBaseNames = []string{"apiconfig.json", "apiconfig.yaml", "apiconfig.yml"}

// Catalog owns the descriptor set and the resolved method definitions.
type Catalog struct {
	dir    string
	logger *slog.Logger

	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	definitions map[string]map[string]any

	// generation counts cache invalidations. A definition load only
	// caches its result if no invalidation happened while it ran.
	generation uint64

	group singleflight.Group
	load  func(*Descriptor) (map[string]any, error)
}

// Open loads the catalog index from dir.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving catalog dir: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("could not find API config directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("API config path %s is not a directory", abs)
	}

	c := &Catalog{
		dir:         abs,
		logger:      logger,
		definitions: make(map[string]map[string]any),
	}
	c.load = c.loadDefinition
	if err := c.RefreshAll(); err != nil {
		return nil, err
	}
	return c, nil
}

// RefreshAll reloads the index and drops every cached definition.
func (c *Catalog) RefreshAll() error {
	descriptors, err := c.loadIndex()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.descriptors = descriptors
	c.definitions = make(map[string]map[string]any)
	c.generation++
	c.mu.Unlock()

	c.logger.Info("catalog loaded", slog.Int("apis", len(descriptors)))
	return nil
}

// Refresh reloads the index entry and drops the cached definition for one
// API.
func (c *Catalog) Refresh(name string) error {
	descriptors, err := c.loadIndex()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := descriptors[name]; ok {
		c.descriptors[name] = d
	} else {
		delete(c.descriptors, name)
	}
	delete(c.definitions, name)
	c.generation++

	return nil
}

func (c *Catalog) loadIndex() (map[string]*Descriptor, error) {
	var (
		path string
		data []byte
		err  error
	)
	for _, base := range configBaseNames {
		path = filepath.Join(c.dir, base)
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("apiconfig not found in %s: %w", c.dir, err)
	}

	raw := map[string]*rawDescriptor{}
	if err := decodeFile(path, data, &raw); err != nil {
		return nil, fmt.Errorf("apiconfig %s is invalid: %w", path, err)
	}

	out := make(map[string]*Descriptor, len(raw))
	for name, r := range raw {
		if r == nil {
			continue
		}
		if r.bothOAuth() {
			c.logger.Warn("descriptor declares oauth and oauth2, using oauth",
				slog.String("api", name),
			)
		}
		out[name] = r.descriptor(name)
	}
	return out, nil
}

// Descriptor returns the descriptor for name.
func (c *Catalog) Descriptor(name string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apierrors.ErrUnknownAPI, name)
	}
	return d, nil
}

// Names returns the catalogued API names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.descriptors))
	for n := range c.descriptors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definition returns the API's method definition with all external
// includes resolved. Concurrent first loads of the same API share one read.
func (c *Catalog) Definition(name string) (map[string]any, error) {
	c.mu.RLock()
	def, ok := c.definitions[name]
	gen := c.generation
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	d, err := c.Descriptor(name)
	if err != nil {
		return nil, err
	}

	// Keyed by generation so callers arriving after a refresh never join
	// a load that started before it.
	key := name + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		def, err := c.load(d)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.definitions[name] = def
		}
		c.mu.Unlock()
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// baseDir is where an API's definition and relative includes live: the
// directory named by a file: href, or the catalog directory.
func (c *Catalog) baseDir(d *Descriptor) string {
	if d.Href == "" {
		return c.dir
	}
	u, err := url.Parse(d.Href)
	if err != nil || u.Scheme != "file" {
		c.logger.Warn("ignoring non-file href", slog.String("api", d.Name), slog.String("href", d.Href))
		return c.dir
	}
	return u.Path
}

func (c *Catalog) loadDefinition(d *Descriptor) (map[string]any, error) {
	base := c.baseDir(d)

	var (
		path string
		data []byte
		err  error
	)
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path = filepath.Join(base, d.Name+ext)
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reading definition for %s: %w", d.Name, err)
	}

	var def map[string]any
	if err := decodeFile(path, data, &def); err != nil {
		return nil, fmt.Errorf("definition %s is invalid: %w", path, err)
	}

	r := &includeResolver{base: base, depth: 0}
	if err := r.resolve(def); err != nil {
		return nil, fmt.Errorf("resolving includes for %s: %w", d.Name, err)
	}
	return def, nil
}

// decodeFile decodes JSON (comments allowed) or YAML by extension.
func decodeFile(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(stripComments(data), v)
	}
}

// stripComments removes // and /* */ comments outside of string literals.
func stripComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString, escaped := false, false

	for i := 0; i < len(data); i++ {
		ch := data[i]

		if inString {
			out = append(out, ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out = append(out, ch)
			continue
		}

		if ch == '/' && i+1 < len(data) {
			switch data[i+1] {
			case '/':
				for i < len(data) && data[i] != '\n' {
					i++
				}
				if i < len(data) {
					out = append(out, '\n')
				}
				continue
			case '*':
				i += 2
				for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
					i++
				}
				i++
				continue
			}
		}

		out = append(out, ch)
	}

	return out
}
