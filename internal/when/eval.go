package when

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// DefaultCacheSize bounds the compiled-program cache. Expressions come
// from manifests and registrations, so the working set is small.
const DefaultCacheSize = 512

// Evaluator evaluates when-expressions against a Store. Compiled programs
// are cached; a malformed expression is logged once when first seen and
// evaluates to false from then on.
type Evaluator struct {
	store *Store
	cache *lru.Cache[string, *Program]
	log   *logrus.Entry
}

// NewEvaluator creates an evaluator over the given store.
func NewEvaluator(store *Store, log *logrus.Entry) *Evaluator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	// Size is constant and positive, so construction cannot fail.
	cache, _ := lru.New[string, *Program](DefaultCacheSize)
	return &Evaluator{
		store: store,
		cache: cache,
		log:   log,
	}
}

// Store returns the backing context store.
func (e *Evaluator) Store() *Store {
	return e.store
}

// Evaluate compiles (or fetches the cached program for) expr and runs it
// against the current store snapshot. An empty expression is true; a
// malformed expression is false.
func (e *Evaluator) Evaluate(expr string) bool {
	prog, ok := e.cache.Get(expr)
	if !ok {
		var err error
		prog, err = Compile(expr)
		if err != nil {
			e.log.WithField("expression", expr).WithError(err).Warn("invalid when-expression, treating as false")
			prog = nil
		}
		// Cache nil for malformed expressions so the warning fires once.
		e.cache.Add(expr, prog)
	}
	if prog == nil {
		return false
	}
	return prog.Eval(e.store.Get)
}

// Precheck compiles expr so that a malformed expression is diagnosed at
// registration time rather than on first evaluation. The result is cached.
func (e *Evaluator) Precheck(expr string) error {
	if _, ok := e.cache.Get(expr); ok {
		return nil
	}
	prog, err := Compile(expr)
	if err != nil {
		e.log.WithField("expression", expr).WithError(err).Warn("invalid when-expression, treating as false")
		e.cache.Add(expr, nil)
		return err
	}
	e.cache.Add(expr, prog)
	return nil
}
