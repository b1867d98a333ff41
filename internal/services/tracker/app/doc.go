// Package server composes and runs the tracker process boundary.
//
// It hosts the REST API over one SQLite store and a blob store, and owns
// the background janitors that abandon idle runs and prune old telemetry.
package server
