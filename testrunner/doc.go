// Package testrunner evaluates a submission against its test cases: it
// compiles the code once, fans independent cases out over the execution
// engine with bounded parallelism and assembles an ordered report. Hidden
// test cases run exactly like visible ones but their inputs and outputs
// are redacted from the candidate-facing view.
package testrunner
