// Package harness provides the conformance testing framework for the Loom
// scheduler and cache.
//
// A scenario is a YAML file describing a boundary tree, a set of scripted
// resources, and a sequence of steps (enqueue, transition, settle, clock
// advance). The harness executes the scenario against a real Scheduler and
// Table wired with deterministic helpers - a manual clock, sequential IDs,
// and gated loaders - so the resulting trace is byte-identical across runs.
//
// Behavior is asserted two ways:
//   - inline assertions in the scenario (trace_contains, trace_order,
//     trace_count), evaluated after the run
//   - golden trace files compared with goldie (go test ./internal/harness
//     -update to regenerate)
//
// Scenario files are validated twice: strict YAML decoding catches typos,
// and the embedded CUE schema enforces structure and enum values before a
// scenario ever runs.
package harness
