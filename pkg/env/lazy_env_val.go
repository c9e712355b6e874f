package env

import (
	"fmt"
	"sync"
)

// VarLazy is a concurrency-safe lazy fact, e.g. a bearer token that is only
// acquired when a command or request actually references it.
type VarLazy struct {
	once     sync.Once
	res      string
	err      error
	facts    *Facts
	resolver func(*Facts) (string, error)
}

// Value forces acquisition (once) and returns the resolved value and any acquisition error.
func (l *VarLazy) Value() (string, error) {
	_ = l.String()
	return l.res, l.err
}

func (l *VarLazy) String() string {
	l.once.Do(func() {
		if l.resolver == nil {
			return
		}
		v, err := l.resolver(l.facts)
		if err != nil {
			l.err = err
			return
		}
		l.res = v
	})
	return l.res
}

var _ fmt.Stringer = (*VarLazy)(nil)

// MakeLazy constructs a VarLazy bound to these facts.
func (f *Facts) MakeLazy(resolver func(*Facts) (string, error)) *VarLazy {
	return &VarLazy{facts: f, resolver: resolver}
}
