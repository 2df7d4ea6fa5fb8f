// Package pool resolves named HTTP requests whose path segments and query
// parameters may reference the results of other named requests.
//
// Resolution is lazy and depth-first. Each name is resolved at most once
// until ClearResolved, and each distinct URL is fetched at most once until
// ClearCache, even when several names build the same URL. Concurrent callers
// asking for the same name or URL share one computation; a caller whose
// context ends stops waiting without failing the others. A name whose
// unresolved references loop back on themselves fails with ErrCycleDetected
// before anything is fetched. Arguments of a
// single request are still evaluated one at a time, in declaration order,
// so cookie-dependent chains see the session state left by earlier calls.
//
// Values returned by Resolve are shared with the pool's tables and must be
// treated as read-only.
package pool
