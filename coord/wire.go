package coord

// Wire messages exchanged over the rendezvous WebSocket. The first
// message a client sends is a ConnectRequest; the server answers with a
// ConnectAck. After that the client may send ClientMessages until it
// finalizes or closes the connection.

type ConnectRequest struct {
	Nspace string
	Rank   int
	UID    int
	GID    int
}

type ConnectAck struct {
	Status    Status
	SessionID string
	Version   string
}

type ClientMessage struct {
	Finalize bool
}
