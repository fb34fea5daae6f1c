// Package fhirpath provides a FHIRPath expression evaluator.
//
// FHIRPath is a path-based navigation and extraction language for FHIR resources.
// This implementation supports the full FHIRPath specification including:
//   - Path navigation, filtering, and projection
//   - Three-valued boolean logic over collections
//   - String, math, and date/time operations
//   - Type operations (is/as/ofType) backed by a pluggable ModelProvider
//     for resource-hierarchy and choice-type ([x]) resolution
//   - FHIR-specific functions (resolve, extension, getValue)
//   - defineVariable()-scoped variables and an explicit ordering-discipline
//     contract for functions that depend on collection order
//
// Evaluate compiles its expression on every call. EvaluateCached, GetCached
// and ExpressionCache cache parsed expressions by a normalized fingerprint
// (see cache.go), so repeated evaluation of the same expression across many
// resources skips re-lexing and re-parsing.
//
// Usage:
//
//	result, err := fhirpath.Evaluate(patient, "name.given.first()")
//	exists, err := fhirpath.EvaluateToBoolean(patient, "active.exists()")
package fhirpath
