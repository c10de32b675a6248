// Package market implements the marketplace ledger and the engine that is
// its only writer. The engine serializes every mutation, runs it as a unit
// of work over the asset registry, the funds capability and the optional
// journal, and commits to the in-memory ledger only after every fallible
// step has succeeded.
package market
