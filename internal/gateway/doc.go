// Package gateway assembles the chatrelay server: it wires the store,
// contact registry, conversation service, provider client, ingest pool, and
// relay hub into a single HTTP server with webhook, agent API, and websocket
// endpoints.
package gateway
