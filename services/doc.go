/*
Package services runs the techmap parties as HTTP services.

# Components

HTTPKeyServer (http_keyserver.go) wraps protocol.KeyServerService:

  - GET  /public-key     encryption key with optional TEE attestation
  - POST /blind-decrypt  decrypts blinded ciphertexts, sealed to the producer
  - POST /sign-test      signs of masked differences, used for range checks

HTTPMapServer (http_mapserver.go) wraps protocol.MapServerService:

  - GET  /config, GET /public-key
  - POST /provision, /query, /reverse-query, /select

ProducerRegistry (registry.go) holds producer accounts, authenticates
producer signatures for the map server and serves the admin routes behind
basic auth:

  - POST   /admin/producers
  - DELETE /admin/producers/{public_key}
  - GET    /admin/producers
  - GET    /admin/access?producer=

KeyServerHTTPClient and MapServerHTTPClient (http_client.go) implement
protocol.KeyServerClient and protocol.MapServerAPI over HTTP, so the protocol
services run unchanged in one process or across machines.

# Errors

Failures travel as {"error": {"kind", "code", "message"}} with a status code
derived from the kind (see StatusOf). Clients decode them back into
protocol errors, so errors.Is(err, protocol.ErrNotFound) works on both sides.
Internal causes are logged and never sent.

# Persistence

PostgresStore implements protocol.Store and ProducerStore. Aggregates are
JSON documents of ciphertexts. Updates are compare-and-swap on the record
version: inserts use ON CONFLICT DO NOTHING, updates filter on the expected
version, and zero affected rows reports protocol.ErrVersionConflict.

# Attestation

The key server can publish a TDX quote over protocol.KeyBundleReportData.
KeyBundleVerifier checks it against a TEEProvider and a MeasurementSource
before a producer encrypts anything under the key.
*/
package services
