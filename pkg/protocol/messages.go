package protocol

// Error reports a rejected request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo describes one member of a room. PeerID is the hex encoding of
// the member's public key.
type PeerInfo struct {
	PeerID   string `json:"peer_id"`
	JoinedAt int64  `json:"joined_at,omitempty"`
}

// PeerList is the server's reply to a new connection. Its arrival confirms
// the join has been recorded.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined announces a new room member.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft announces a member has disconnected.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// Candidates carries the UDP addresses a peer can be reached on.
// Dial is true when the sender will dial and expects the recipient to listen.
type Candidates struct {
	Candidates []string `json:"candidates"`
	Dial       bool     `json:"dial"`
}
