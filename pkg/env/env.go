package env

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

type Str string

func (s Str) String() string { return string(s) }

type Val interface {
	String() string
}

// Map is a value map where each value is a plain string (Str) or a lazy,
// computed value implementing String().
type Map map[string]Val

// FromStringMap converts a plain string map to a Map.
func FromStringMap(m map[string]string) Map {
	if m == nil {
		return nil
	}
	out := Map{}
	for k, v := range m {
		out[k] = Str(v)
	}
	return out
}

// Facts holds the deployment facts of one scenario: URLs, workspace paths,
// credentials. Values come in two layers:
//   - Global: values from configuration and the parent process (read-only during a run)
//   - Local: values emitted by setup commands (merged last-write-wins)
//
// Lookups and rendering give precedence to Local over Global. A Facts value
// must not be shared between scenarios running in parallel; use Clone.
type Facts struct {
	mu     sync.RWMutex
	Global Map `yaml:"-" json:"-" mapstructure:"-"`
	Local  Map `yaml:"-" json:"facts" mapstructure:"facts"`
	sealed bool
}

// New returns Facts with both layers initialized.
func New() *Facts {
	return &Facts{Global: Map{}, Local: Map{}}
}

// FromMap returns Facts whose Global layer is a copy of m.
func FromMap(m map[string]string) *Facts {
	f := New()
	for k, v := range m {
		f.Global[k] = Str(v)
	}
	return f
}

// Seal marks the Facts as immutable for Set and Merge.
func (f *Facts) Seal() {
	if f != nil {
		f.mu.Lock()
		f.sealed = true
		f.mu.Unlock()
	}
}

// Unseal re-allows Set and Merge.
func (f *Facts) Unseal() {
	if f != nil {
		f.mu.Lock()
		f.sealed = false
		f.mu.Unlock()
	}
}

// Clone performs a deep copy of both layers. Lazy values are copied by reference.
func (f *Facts) Clone() *Facts {
	if f == nil {
		return New()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := New()
	for k, v := range f.Global {
		out.Global[k] = v
	}
	for k, v := range f.Local {
		out.Local[k] = v
	}
	return out
}

// Set stores a single value in the Local layer.
func (f *Facts) Set(key, val string) error {
	return f.Merge(map[string]string{key: val})
}

// SetLazy stores a value that is resolved on first use.
func (f *Facts) SetLazy(key string, resolver func(*Facts) (string, error)) error {
	if f == nil {
		return nil
	}
	lazy := f.MakeLazy(resolver)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return fmt.Errorf("facts: sealed (immutable)")
	}
	if f.Local == nil {
		f.Local = Map{}
	}
	f.Local[key] = lazy
	return nil
}

// Merge copies kv into the Local layer; later merges override earlier ones.
func (f *Facts) Merge(kv map[string]string) error {
	if f == nil || len(kv) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return fmt.Errorf("facts: sealed (immutable)")
	}
	if f.Local == nil {
		f.Local = Map{}
	}
	for k, v := range kv {
		f.Local[k] = Str(v)
	}
	return nil
}

// Reset discards every Local value. Global values are kept.
func (f *Facts) Reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.Local = Map{}
	f.mu.Unlock()
}

// Lookup searches Local first, then Global.
func (f *Facts) Lookup(key string) (string, bool) {
	if f == nil {
		return "", false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.Local[key]; ok && v != nil {
		return v.String(), true
	}
	if v, ok := f.Global[key]; ok && v != nil {
		return v.String(), true
	}
	return "", false
}

// Get returns the value for key or "".
func (f *Facts) Get(key string) string {
	v, _ := f.Lookup(key)
	return v
}

// Snapshot returns a merged copy (Global overridden by Local).
func (f *Facts) Snapshot() map[string]string {
	m := map[string]string{}
	if f == nil {
		return m
	}
	f.mu.RLock()
	global := make(Map, len(f.Global))
	for k, v := range f.Global {
		global[k] = v
	}
	local := make(Map, len(f.Local))
	for k, v := range f.Local {
		local[k] = v
	}
	f.mu.RUnlock()

	// values are stringified outside the lock: lazy resolvers may read facts
	for k, v := range global {
		if v != nil {
			m[k] = v.String()
		}
	}
	for k, v := range local {
		if v != nil {
			m[k] = v.String()
		}
	}
	return m
}

// Keys returns all known keys in sorted order.
func (f *Facts) Keys() []string {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := map[string]struct{}{}
	for k := range f.Global {
		seen[k] = struct{}{}
	}
	for k := range f.Local {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ builds a process environment: the current process environment,
// then the facts, then overrides. Each key appears once; the last layer wins.
func (f *Facts) Environ(overrides map[string]string) []string {
	merged := map[string]string{}
	order := []string{}
	put := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			put(kv[:i], kv[i+1:])
		}
	}
	snap := f.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		put(k, snap[k])
	}
	okeys := make([]string, 0, len(overrides))
	for k := range overrides {
		okeys = append(okeys, k)
	}
	sort.Strings(okeys)
	for _, k := range okeys {
		put(k, overrides[k])
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// UnmarshalYAML allows decoding a plain mapping directly into Global.
func (f *Facts) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return err
	}
	f.Global = FromStringMap(m)
	if f.Local == nil {
		f.Local = Map{}
	}
	return nil
}

// dataForTemplate exposes facts flat ({{.KMS_URL}}) and grouped ({{.env.KMS_URL}}).
func (f *Facts) dataForTemplate() map[string]interface{} {
	merged := f.Snapshot()
	data := make(map[string]interface{}, len(merged)+1)
	for k, v := range merged {
		data[k] = v
	}
	data["env"] = merged
	return data
}

// Render renders s as a Go text/template against the facts. A missing key is an error.
func (f *Facts) Render(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	t, err := template.New("facts").Option("missingkey=error").Parse(s)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, f.dataForTemplate()); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderOr behaves like Render but returns s unchanged when rendering fails.
func (f *Facts) RenderOr(s string) string {
	out, err := f.Render(s)
	if err != nil {
		return s
	}
	return out
}

// RenderAll renders every element of args, stopping at the first failure.
func (f *Facts) RenderAll(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		r, err := f.Render(a)
		if err != nil {
			return nil, fmt.Errorf("render argument %d (%q): %w", i, a, err)
		}
		out[i] = r
	}
	return out, nil
}
