// Package registry resolves agent identifiers to immutable agent definitions.
//
// Identifiers take three forms: "name", "publisher/name" and "publisher/name@version".
// Bare names are looked up in the built-in set, then in the caller's session-local
// definitions, and finally rewritten to "<default publisher>/name". Pinned versions
// are cached for the life of the Registry; unpinned requests re-list versions every
// time and pick the highest semantic version.
//
// Usage:
//
//	reg := registry.New(registry.Config{DefaultPublisher: "codebuff", Source: src})
//	def, err := reg.Resolve(ctx, "codebuff/reviewer@1.2.0", nil)
package registry
