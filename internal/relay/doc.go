// Package relay pushes conversation activity to connected agent consoles
// over websockets. Consoles join per-conversation rooms for message-level
// events; conversation lifecycle events reach every console.
package relay
