// Package httpapi exposes the execution service over HTTP: a single run
// endpoint that evaluates a submission against its test cases and a
// health endpoint reporting which isolation backend is live.
package httpapi
