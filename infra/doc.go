// Package infra holds the concrete adapters behind the core interfaces:
// the MQTT command channel, Redis lock and idempotency stores, SQLite and
// in-memory persistence, metric sinks and the pricing client. Nothing in
// core imports infra; wiring happens in app.
package infra
