// Package deepstream implements a client for the deepstream realtime
// message protocol: a line-oriented, US/RS-delimited wire format built
// around CONNECTION handshake, AUTH login, EVENT publish/subscribe, and
// PRESENCE join/leave/query.
//
// Construct a Client with New, Start it against a Transport (see
// transport/dswebsocket for the WebSocket implementation), Login, and
// then use Event and Presence to subscribe, listen, and emit.
package deepstream
