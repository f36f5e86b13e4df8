// Package transport contains the wire contract between a primary
// and its standbys along with both ends of it: Server, which a
// primary uses to expose its segment store, and Client, which a
// standby uses to pull segments.
//
// The protocol is a gRPC service with two unary methods. GetHead
// returns the id of the primary's current head segment and
// GetSegment returns one encoded segment by id. Standbys identify
// themselves with the standby-client-id metadata header on every
// call. Messages are protobuf well-known wrapper types so no code
// generation step is needed.
package transport
