// Package keyfold is the Go client SDK for the Keyfold end-to-end
// encrypted secrets vault and chat service.
//
// The server is never trusted with plaintext: it stores and forwards
// ciphertext and public key material only. All encryption, decryption
// and key derivation happens client-side.
//
// # Key Hierarchy
//
// A Key-Encryption-Key (KEK) is derived from the user's password with
// PBKDF2. The KEK wraps a random Data-Encryption-Key (DEK) generated
// once at registration; vault records are encrypted under the DEK. A
// password change rotates the KEK and re-wraps the existing DEK; the
// DEK itself never changes and never leaves the client unwrapped.
//
// # Sessions
//
// Authentication uses proof of possession instead of bearer tokens: an
// ECDSA keypair is bound to the session, short-lived access leases are
// refreshed by signing server nonces, and every request carries a
// DPoP-style proof binding it to the keypair plus a strictly increasing
// call counter.
//
// # Basic Usage
//
//	client, err := keyfold.New(keyfold.WithStorePath("keyfold.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	vault := client.Vault()
//	if err := vault.SignIn(ctx, "alice@example.com", password); err != nil {
//	    log.Fatal(err)
//	}
//	if err := vault.Synchronize(ctx, false); err != nil {
//	    log.Fatal(err)
//	}
//	for _, rec := range vault.Records() {
//	    fmt.Println(rec.ID, rec.Secrets["site"])
//	}
//
// The chat subsystem establishes pairwise shared secrets over ECDH and
// exchanges AEAD-encrypted messages through the websocket channel
// opened by [Client.Connect]; see [Chat].
package keyfold
