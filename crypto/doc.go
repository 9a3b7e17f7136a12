// Package crypto provides the cryptographic primitives of the technology
// parameter map protocols.
//
//   - Threshold Paillier encryption (Keypair, PaillierPublicKey, Ciphertext):
//     additively homomorphic, with signed plaintexts embedded into Z_N.
//   - Fixed-point encoding of process parameters (FixedPointEncoder).
//   - Additive blinding masks derived from a secret seed (DeriveMasks, UnblindInplace).
//   - ECIES sealing of key server replies to an ephemeral producer key (Seal, Open).
//   - Ed25519 signatures used as producer and map server credentials.
//
// Only the key server ever holds a Keypair. Producers and the map server work
// with the public key alone.
package crypto
