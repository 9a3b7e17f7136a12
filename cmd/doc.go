// Package cmd provides the techmap commands.
//
// # Commands
//
// keyserver: Holds the Paillier decryption key and answers blinded
// decryption and sign test requests from allowed map servers. Runs inside a
// TEE in production and publishes an attestation of its key.
//
//	go run ./cmd/keyserver --addr=:8081 --key-file=techmap-paillier.json --allow=<map server key>
//
// mapserver: Stores encrypted maps, aggregates contributions and serves
// producers. Verifies the key server attestation before it starts.
//
//	go run ./cmd/mapserver --key-server=http://localhost:8081 --admin-token=admin:secret
//	go run ./cmd/mapserver --config=mapserver.yaml --database-url=postgres://...
//
// producer: Client for producers. Encrypts contributions and decrypts query
// results locally.
//
//	go run ./cmd/producer keygen
//	go run ./cmd/producer provision --key=<hex> --machine=... --input=1.2,3 --values=fz=0.12
//	go run ./cmd/producer explore --key=<hex> --material=steel --target=fz=0.1
//
// # Local Setup
//
//	# key server, allowing the map server's signing key
//	go run ./cmd/keyserver --signing-key=<ks key> --allow=<ms public key>
//
//	# map server with the matching signing key
//	go run ./cmd/mapserver --signing-key=<ms key> --admin-token=admin:secret
//
//	# register a producer
//	curl -u admin:secret -X POST http://localhost:8080/admin/producers \
//	    -d '{"public_key":"<producer public key>","name":"plant-1"}'
//
// # Configuration
//
// The server commands accept a YAML file via --config (see common.Config).
// Command-line flags override config file values.
package cmd
