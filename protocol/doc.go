// Package protocol implements confidentiality-preserving technology parameter
// maps: grids of process settings annotated with outcome values that many
// mutually distrusting producers contribute to and query.
//
// # Parties
//
//  1. Producers encrypt outcome values under a Paillier key and blind their
//     queries. They are the only party that sees plaintext aggregates.
//
//  2. The map server (MapServerService) stores maps as encrypted running sums
//     and contribution counts per point. It never holds decryption capability.
//
//  3. The key server (KeyServerService) holds the Paillier key shares and
//     decrypts blinded ciphertexts only. It never sees maps, coordinates or
//     producer identities.
//
// # Provisioning
//
// The producer encrypts each output value and signs a ProvisionRequest. The
// map server quantizes the input tuple into a Coordinate, optionally runs a
// masked sign test against the configured output ranges, then adds the
// ciphertexts into the point's aggregate under a per-coordinate lock and a
// compare-and-swap on the record version.
//
// # Regular query
//
// The producer derives one additive mask per returned value from a fresh seed,
// encrypts the masks and sends them with a single-use QueryToken. The map
// server adds the masks to the stored sums and counts, rerandomizes, and
// forwards only the token and the ciphertexts to the key server. The key
// server rejects reused tokens, decrypts and seals the still-masked residues
// to the token's reply key. The producer opens the reply and removes the masks.
//
// # Reverse query
//
// Maps are searched by non-confidential attributes (label, tool type and
// diameter). Matches are remembered per producer and finalized through
// SelectCandidate, which reveals the populated points and the map salt that
// regular queries need.
// Ranking by outcome values happens on the producer after decryption.
package protocol
