// Package builtin provides the reference enhancement units.
//
// The units carry no page rendering. They show the three shapes a unit can
// take: a message-driven unit (CopyUnit), a configurable unit driven through
// the router (IconSizeUnit), and a self-handling unit that keeps its own
// listeners (HeaderLinksUnit).
package builtin
