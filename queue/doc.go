// Package queue implements the optional Redis-backed submission intake.
//
// A Consumer blocks on a Redis list, decodes each pushed submission, runs it
// through the test runner and writes the candidate-facing report under a
// per-submission result key. External graders push jobs and poll for results;
// the consumer itself is stateless and safe to restart.
package queue
