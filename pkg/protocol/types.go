package protocol

// Message type constants for signaling envelopes.
const (
	TypeError      = "error"
	TypePeerList   = "peer_list"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeCandidates = "candidates"
)

// Error codes sent by the rendezvous server.
const (
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
	CodeRoomFull     = "room_full"
	CodeTooManyRooms = "too_many_rooms"
	CodeUnknownPeer  = "unknown_peer"
)
