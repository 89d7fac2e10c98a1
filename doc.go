// Package lucid exposes the Go APIs behind the single-binary Lucid key-value
// server: values addressed by string keys over HTTP, with optional at-rest
// encryption, per-key locking, numeric increment/decrement, advisory
// expiration and live change notifications. The server is designed to run
// cleanly as PID 1, but the package also makes it easy to embed the server or
// talk to it from Go clients.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen` (default `127.0.0.1:7021`). Bearer token
// authentication is enabled by default, so a secret is required:
//
//	cfg := lucid.DefaultConfig()
//	cfg.AuthSecret = os.Getenv("LUCID_SECRET_KEY")
//	cfg.Notifications = true
//	srv, err := lucid.NewServer(cfg, lucid.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("lucid: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Entries live in process memory for the lifetime of the server. Nothing is
// persisted and nothing is replicated.
//
// # HTTP API
//
//	GET    /api/kv/{key}   value with metadata headers (X-Lucid-*)
//	HEAD   /api/kv/{key}   metadata only
//	PUT    /api/kv/{key}   201 on create, 200 on update, 403 when locked
//	DELETE /api/kv/{key}   204, 404 when missing
//	PATCH  /api/kv/{key}   {"operation": "lock|unlock|increment|decrement|ttl", "value": ...}
//	GET    /notifications  Server-Sent Events, one event per change
//	GET    /robots.txt     always disallow
//
// Every error is a JSON `{"message": "..."}` body with a short, stable
// message. Locking freezes the value and its content type; increments and
// decrements on a locked key are refused. `ttl` records an expiration instant
// that is exposed but never enforced.
//
// # Encryption
//
// With `Config.EncryptionEnabled` values are encrypted with a fixed 24 byte
// key and 16 byte IV (`EncryptionKey`, `EncryptionIV`, hex). Identical values
// encrypt identically and values ending in zero bytes lose those bytes on
// the way back, so binary payloads with trailing NULs should not be stored
// encrypted.
//
// # Notifications
//
// `GET /notifications` streams every successful mutation whose value is
// valid UTF-8 with the key as event type and the value as data. Writers never
// wait for readers: a subscriber that falls more than
// `Config.NotificationBuffer` events behind receives a `lucid.lagged` event
// (the only event without an `id:` line) with the number of skipped events
// and continues from the oldest retained one.
//
// # Embedding and helpers
//
// `StartServer` launches a server in a goroutine, waits for readiness, and
// returns a stop function. `StartTestServer` builds on it for tests and
// returns a ready-to-use client with a valid token:
//
//	ts := lucid.StartTestServer(t, lucid.WithTestNotifications())
//	if _, err := ts.Client.Put(ctx, "k", []byte("v"), ""); err != nil { t.Fatal(err) }
package lucid
