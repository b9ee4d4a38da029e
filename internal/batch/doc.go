// Package batch groups the wire-level operations of a call into batches.
//
// A Registry lists, for one call shape, which operations must complete
// together before something happens: issuing a transport batch on the way
// out, or delivering results to the application on the way in. Registries are
// built once and shared. A Tracker is created per call and records operations
// as they complete; each definition fires at most once per direction, and
// when a single operation completes several definitions their handlers run in
// declaration order.
package batch
