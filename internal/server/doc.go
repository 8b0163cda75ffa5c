// Package server is the network edge of convochat.
//
// It upgrades requests on /global and /conversation to WebSocket clients,
// each of which is a broker.Handle driven by a gateway.Session. The Hub owns
// client lifecycles: it starts the read and write pumps and closes every
// connection on shutdown. The same mux serves the JSON API for accounts,
// tokens and conversation management, plus health, stats and a test page.
package server
