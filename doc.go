/*
Package dnsprox implements a DNS forwarding proxy. Queries received by any number of
listeners are forwarded to a single upstream resolver and the responses are handed
back to the listener the query came from.

Upstream

An Upstream forwards queries to one resolver over UDP, TCP, or UDP with a fallback
to TCP for truncated responses. Every query is bounded by a time budget. Query IDs
are rewritten on the wire where needed and restored in the response, and any failure
to reach the resolver produces a SERVFAIL response rather than an error.

Dispatcher

A Dispatcher decouples listeners from upstream latency. Listeners submit raw queries
together with an opaque requester handle and get called back with the response and
the same handle once it is available. Submitting never blocks.

Listeners

Listeners receive queries from clients. Plain DNS over UDP and TCP as well as
DNS-over-DTLS and DNS-over-CoAP are available. An admin listener exposes metrics.
*/
package dnsprox
