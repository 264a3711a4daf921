// Package core resolves point-in-time attribute values for the UCPath shadow.
//
// The warehouse delivers immutable, periodically reloaded snapshots; HR staff
// keep local corrections in overrides. This package merges the two. It has no
// transport or storage dependencies beyond the injected [AuditTrail] and can
// be used by the web layer, CLI tools or tests without modification.
//
// # Architecture
//
//   - Entity types: schema descriptors registered with [Register] or passed
//     to [Engine.Register]. Each names its natural key columns and typed
//     attributes.
//   - [RecordSet]: the snapshot rows of one entity type. [RecordSet.Load]
//     validates and indexes a full replacement set, then swaps it in.
//   - [EffectiveDateIndex]: per key, rows sorted by effective date and
//     sequence, with the winner of every date precomputed.
//   - [OverrideStore]: effective-dated corrections of single attributes, with
//     overlap enforcement and tombstones.
//   - [Engine]: the query surface. [Engine.Resolve] applies the precedence
//     rules and reports provenance.
//   - [AuditTrail]: append-only log of override mutations.
//
// # Resolution
//
// For a (key, attribute, as-of date) query:
//
//  1. An override whose window [from, to) contains the date wins.
//  2. Otherwise the snapshot row with the greatest effective date on or
//     before the date applies. Among rows sharing that date the row marked
//     most-recent wins, then the highest effective sequence.
//  3. Otherwise the result has [ProvenanceNone]. This is not an error.
//
// Reloading snapshots never touches overrides, so a reload cannot revert a
// standing correction.
//
// # Concurrency
//
// Readers never block. A load builds its index off-line and publishes it with
// one atomic store. Override writers serialize per (key, attribute); readers
// load an immutable slice. [Engine.ResolveAll] pins one snapshot generation
// for the whole batch.
//
// # Error Handling
//
// Failures are typed: [ValidationError], [OverlapError], [NotFoundError] and
// [InvariantViolation], plus the sentinel errors [ErrUnknownEntityType],
// [ErrMissingActor] and [ErrOverridesDisabled]. [MapError] turns any of them
// into a coded [UserMessage]:
//
//   - SNAP001-SNAP002: Snapshot load errors
//   - OVR001-OVR005: Override errors
//   - RES001-RES002: Resolution errors
//   - AUD001: Audit trail failures
//
// # Audit Logging
//
// Every successful override create, update and delete appends exactly one
// [AuditEntry] with the before and after state. Because entries carry the
// full record, [Engine.Replay] can rebuild the override stores from a durable
// trail at startup.
package core
