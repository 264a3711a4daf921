// Package entities registers the built-in UCPath entity types with the core
// registry. Import it for side effects; descriptor files loaded at startup may
// extend or replace these definitions.
package entities
