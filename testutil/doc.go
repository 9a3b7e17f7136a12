/*
Package testutil provides shared fixtures for techmap tests.

Paillier key generation dominates test time, so SharedKeypair generates one
minimal threshold key per test binary and hands it to every test:

	kp := testutil.SharedKeypair(t)
	c, err := kp.Public.EncryptInt64(42)

Signing keys and random inputs are cheap and generated per test:

	pub, priv, _ := testutil.GenerateTestKeyPair()
	nonce, _ := testutil.GenerateRandomBytes(32)

Contribution values can be drawn reproducibly from a seed:

	values := testutil.GenerateValues(7, 100, testutil.WithRange(0, 3))
*/
package testutil
