// Package spider defines the contract between the platform and the spider
// units it hosts: the unit lifecycle, the capability handles a unit receives
// at construction, and the value types exchanged across those handles.
//
// A unit never reaches platform internals directly. Everything it may do is
// expressed through Capabilities:
//   - Threads: allocate named, bounded background work.
//   - Tables: create append-only tables and read the top rows by a column.
//   - Stores: persist small JSON-compatible values under string names.
package spider
