// Package otc is the client driver for an opentick time-series database
// server.
//
// The driver maintains a single full-duplex TCP connection over which many
// logical requests are multiplexed concurrently. Each request is assigned a
// monotonically increasing ticket; the server correlates its reply by ticket
// alone, so responses may arrive in any order. Messages on the wire are
// length-prefixed BSON documents.
//
// Callers submit SQL through Execute, ExecuteAsync and BatchInsert and
// receive result sets of scalar rows. Statements with placeholder arguments
// are prepared transparently and the prepared ids are cached for the life of
// the connection. The connection can optionally redial itself after a
// failure; see SetAutoReconnect.
package otc
