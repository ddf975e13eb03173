// Package pattern defines the data model shared by the pattern-learning engine.
//
// A Pattern is a learned stimulus→response rule: a canonical trigger signature
// (exact-match key), an optional embedding (semantic-match key), a response
// template, an optional bounded Action, and a confidence score in [0,1] that
// governs whether the pattern may act without human review.
//
// Confidence, status and auto-executable state are owned by the confidence
// engine and the optimizer. Other packages read them but never write them;
// the store enforces this at the data-access layer.
//
// Actions are a closed set of tagged variants. Each ActionType has its own
// typed parameter struct, and unknown types fail validation so the executor
// can refuse them instead of guessing.
package pattern
