// Package filtering selects cache keys by glob pattern.
//
// Patterns use gobwas/glob syntax with no separators, so '*' matches any
// run of characters including ':' and '/'. Examples:
//
//   - "jobs:*" matches "jobs:today", "jobs:J1/detail"
//   - "job?" matches "job1", "jobs" but not "jobs:today"
//   - "route[1-3]" matches "route1", "route2", "route3"
//
// Exclude patterns take precedence over include patterns. With no include
// patterns every key not excluded is selected.
package filtering
