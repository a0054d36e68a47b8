// Package signaling serves the lobby WebSocket endpoints.
//
// A host connects to /lobby_ws and announces a lobby with ServerAnnounce.
// Clients join with /join/{host_uuid}/{desktop_uuid}. From then on the relay
// forwards envelopes between the host and its clients without looking at the
// payloads: host messages are addressed to a client id, client messages are
// addressed to the host, and every delivered message carries the sender's id.
package signaling
