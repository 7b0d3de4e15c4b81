// Package contrib implements the contribution registry: typed collections
// of contributions (commands, menus, views, settings, ...) indexed by
// contribution-point id.
//
// Contribution points are registered with a schema; contributions added
// before their point exists are queued and become visible once the point
// is registered, so plugins may register points and contribute to them in
// either load order. Queries return copy-on-read snapshots and never
// block. Removal is per-handle or in bulk per owning plugin during that
// plugin's deactivation.
package contrib
