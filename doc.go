// Package flowpipe provides a sequential, middleware-style engine that chains
// steps over a payload of any type.
//
// # Key Features
//
//   - **Continuations**: every step receives the rest of the pipeline and decides whether to continue.
//   - **Conditionals**: run a step only when a predicate, a declarative condition or an expression holds.
//   - **Groups**: register reusable step lists by name and reference them from any pipeline.
//   - **Nested pipelines**: run a sub-pipeline to completion as a single step.
//   - **Resilience**: retry, fall back, compensate, or combine strategies when a step fails.
//   - **Observers**: receive a trace entry for every completed step.
//
// # Core Concepts
//
//   - **Step**: The basic unit of work. It's an interface with `Handle` and `String`, the step label.
//   - **Pipeline**: A built, immutable chain of steps. Build it once, run it many times.
//   - **Registry**: Named groups of steps, resolved when a pipeline is built.
//   - **Strategy**: Decides what happens when a step fails: retry, fallback, compensate or fail.
//   - **Middleware**: A function that wraps a step to add functionality, such as logging or timeouts.
//
// # Failure attribution
//
// A step's strategy only handles errors raised by that step before it hands
// the payload on. Errors raised further down the pipeline are handled by the
// strategy of the step that raised them and then returned unchanged.
//
// # Related packages
//
// Package loader builds groups and pipelines from YAML. Packages otelobserver
// and promobserver turn trace entries into OpenTelemetry spans and Prometheus
// metrics.
package flowpipe
