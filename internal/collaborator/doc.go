// Package collaborator talks to the scraping service: it submits and cancels
// jobs over its JSON API and opens progress subscriptions over either
// server-sent events or WebSocket.
package collaborator
