// Package rules defines the classification rule document and the two pure
// functions that operate on it: Evaluate and DetectConflicts.
//
// A rule document is JSON validated against an embedded CUE schema and then
// decoded into explicit Go types, so the evaluator and the conflict detector
// are exhaustive over the known rule kinds:
//
//   - CategoryRule: keyword lists keyed by feature field, first match wins
//   - TagCategoryRule: glob patterns over submitted tags, "any" or "all"
//
// Nothing in this package reads a clock, touches storage, or depends on map
// iteration order. Identical (Document, Features) input always produces an
// identical Result.
package rules
