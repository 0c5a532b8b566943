package broker

// ClientState is one registered client's broker-side bookkeeping (spec
// §3): its response channel and its subscription set. The "Removing"
// state spec §4.7 describes — existing only to let a final Confirmation
// flush before the struct is freed — is modeled by simply dropping the
// map entry without forcing the underlying connection closed; the
// in-flight write already queued on ResponseChannel completes on its own.
type ClientState struct {
	ClientID int32
	respChan *ResponseChannel
	subs     *SubscriptionRegistry
}

func newClientState(clientID int32, respChan *ResponseChannel) *ClientState {
	return &ClientState{
		ClientID: clientID,
		respChan: respChan,
		subs:     newSubscriptionRegistry(),
	}
}
