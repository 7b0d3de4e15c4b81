// Package when provides the context store and the when-expression
// evaluator used to gate contribution visibility and enablement.
//
// The Store holds named facts (string key to boolean, string, or number
// value). Any component may set or clear entries; changes fan out to key
// subscribers synchronously on the setter's goroutine.
//
// The Evaluator compiles small boolean expressions against the store:
//
//	editorFocus && !isReadOnly
//	resourceLang == "go" || resourceLang == "lua"
//	view =~ /^report\./
//	syncState in ["idle", "flushing"]
//
// An empty expression evaluates to true (no restriction). A malformed
// expression evaluates to false and is logged once, not on every
// evaluation; compiled programs are kept in a bounded LRU cache.
package when
