// Package client is the Go SDK for the Lucid HTTP key-value API.
//
// Requests go through a retrying transport: transport errors, 429 and most
// 5xx responses are retried with capped exponential back-off. Numeric
// increments and decrements are sent once since a replay could apply the
// delta twice.
//
//	cli, err := client.New("http://127.0.0.1:7021", client.WithToken(os.Getenv("LUCID_TOKEN")))
//	if err != nil { log.Fatal(err) }
//	if _, err := cli.Put(ctx, "counter", []byte("10"), ""); err != nil { log.Fatal(err) }
//	n, err := cli.Increment(ctx, "counter") // 11
//
// Errors returned for non-2xx responses are *APIError values and match the
// package sentinels with errors.Is:
//
//	if errors.Is(err, client.ErrNotFound) { ... }
//
// Watch streams change notifications (Server-Sent Events) until the context
// ends.
package client
