// Package callchain runs one client call through an ordered list of
// interceptors and a transport.
//
// Outbound operations travel from the application (ClientCall) through each
// InterceptingCall toward the transport; inbound events travel back through
// each InterceptingListener toward the application. Interceptors supply
// override tables (Requester, ListenerFuncs) and decide per operation whether
// to forward, rewrite or stop it.
//
// At both ends of the chain, operations are recorded against the batch
// definitions of the call's Shape. The transport end groups outbound
// operations into transport batches; the application end holds inbound
// results until a definition completes. Streamed sends and receives are not
// tracked and carry a StreamContext instead.
package callchain
