// Package phase defines the named, totally ordered stages an interceptor
// chain is assembled against, and the Manager that owns the phase list of
// each flow (in, out, in-fault, out-fault).
package phase
