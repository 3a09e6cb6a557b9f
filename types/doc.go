// Package types defines the shared contracts of the skymesh engine: the
// Agent and Backend interfaces, task profiles, health states, and the
// structured error type used across all components.
package types
