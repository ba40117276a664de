// Package model defines the records persisted by the store and exchanged
// between the ingest pipeline, the rule engine and the HTTP/CLI surfaces.
//
// This package contains type definitions and small predicates only. It
// imports nothing internal except rules, so every other package can depend
// on it without cycles.
package model
