// Package flows holds the orchestration behind each Engine operation.
//
// A flow takes a dependency struct and returns a result carrying a failure
// kind, which the root package maps onto its public error taxonomy. Flows keep
// no state between calls and never import the root package.
package flows
