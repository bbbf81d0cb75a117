// Package relay implements the untrusted store-and-forward boundary: an
// HTTP server holding prekey bundles and per-recipient envelope queues, and
// the client used by the messaging services to talk to it.
//
// The relay never sees plaintext or private key material. Bundles are
// public by construction; envelope payloads are opaque bytes. One-time
// prekey publics are handed out at most once: a fetch pops one from the
// pool, and an exhausted pool serves the bundle without one rather than
// failing.
package relay
