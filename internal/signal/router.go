// Package signal decodes inbound envelopes and drives the rest of the
// system: identity reconciliation and roster updates on join/leave,
// message persistence and receipts, typing notifications, and call
// signaling forwarded to the negotiation layer.
package signal

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/petervdpas/lanlink/internal/identity"
	"github.com/petervdpas/lanlink/internal/proto"
	"github.com/petervdpas/lanlink/internal/roster"
	"github.com/petervdpas/lanlink/internal/storage"
	"github.com/petervdpas/lanlink/internal/transport"
	"github.com/petervdpas/lanlink/internal/util"
)

const recentBufferSize = 100

// CallHandler is the call layer's inbound surface. Defined here so the
// router does not import the call package; the presence controller
// wires the concrete manager in.
type CallHandler interface {
	HandleIncomingOffer(peerID, username, sdp string)
	HandleAnswer(peerID, sdp string)
	HandleCandidate(peerID string, candidate json.RawMessage)
	HandleRemoteEnd(peerID string)
}

// Profile is the local identity announced in join envelopes.
type Profile struct {
	SessionID  string
	Username   string
	AvatarURL  string
	DeviceID   string
	DeviceName string
}

// Router is the application-layer protocol state machine.
type Router struct {
	ids    *identity.Map
	peers  *roster.Roster
	store  *storage.DB
	trans  transport.Transport
	recent *util.RingBuffer[*proto.Message]

	mu        sync.Mutex
	profile   Profile
	localIP   string
	calls     CallHandler
	onMessage func(*proto.Message)
	onTyping  func(peerID string, isTyping bool)
}

// New creates a router over the given collaborators.
func New(profile Profile, ids *identity.Map, peers *roster.Roster, store *storage.DB, trans transport.Transport) *Router {
	return &Router{
		ids:     ids,
		peers:   peers,
		store:   store,
		trans:   trans,
		recent:  util.NewRingBuffer[*proto.Message](recentBufferSize),
		profile: profile,
	}
}

// SetCallHandler wires the call layer in.
func (r *Router) SetCallHandler(h CallHandler) {
	r.mu.Lock()
	r.calls = h
	r.mu.Unlock()
}

// SetLocalIP records our own network address for join payloads.
func (r *Router) SetLocalIP(ip string) {
	r.mu.Lock()
	r.localIP = ip
	r.mu.Unlock()
}

// SetProfile replaces the announced profile (username/avatar changes).
func (r *Router) SetProfile(p Profile) {
	r.mu.Lock()
	r.profile = p
	r.mu.Unlock()
}

// OnMessage registers the inbound chat message callback. Safe to call
// while the transport pump is already delivering frames.
func (r *Router) OnMessage(fn func(*proto.Message)) {
	r.mu.Lock()
	r.onMessage = fn
	r.mu.Unlock()
}

// OnTyping registers the typing indicator callback.
func (r *Router) OnTyping(fn func(peerID string, isTyping bool)) {
	r.mu.Lock()
	r.onTyping = fn
	r.mu.Unlock()
}

func (r *Router) snapshot() (Profile, string, CallHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile, r.localIP, r.calls
}

// HandleData processes one inbound transport frame. handle is the
// connection it arrived on; its embedded address is the best clue to
// the sender's location until a join names them.
func (r *Router) HandleData(handle string, data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		log.Printf("SIGNAL: dropping undecodable frame from %s: %v", handle, err)
		return
	}

	profile, _, calls := r.snapshot()

	// Broadcast delivery loops frames back to their sender; drop our
	// own echoes and anything addressed to someone else.
	if env.From == profile.SessionID {
		return
	}
	if env.To != "" && env.To != profile.SessionID {
		return
	}

	switch env.Type {
	case proto.TypeJoin:
		r.handleJoin(env, handle)
	case proto.TypeLeave:
		log.Printf("SIGNAL: %s left", env.From)
		r.peers.MarkOffline(env.From)
		r.ids.Remove(env.From)
	case proto.TypeMessage:
		r.handleMessage(env)
	case proto.TypeTyping:
		var p proto.TypingPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Printf("SIGNAL: %v", err)
			return
		}
		r.mu.Lock()
		onTyping := r.onTyping
		r.mu.Unlock()
		if onTyping != nil {
			onTyping(env.From, p.IsTyping)
		}
	case proto.TypeDelivered:
		r.handleReceipt(env, proto.StatusDelivered)
	case proto.TypeSeen:
		r.handleReceipt(env, proto.StatusSeen)
	case proto.TypeCallOffer:
		var p proto.OfferPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Printf("SIGNAL: %v", err)
			return
		}
		if p.SDP == "" || calls == nil {
			log.Printf("SIGNAL: call-offer from %s without negotiation offer", env.From)
			return
		}
		calls.HandleIncomingOffer(env.From, p.Username, p.SDP)
	case proto.TypeCallAnswer:
		var p proto.AnswerPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Printf("SIGNAL: %v", err)
			return
		}
		if calls != nil {
			calls.HandleAnswer(env.From, p.SDP)
		}
	case proto.TypeCallEnd:
		if calls != nil {
			calls.HandleRemoteEnd(env.From)
		}
	case proto.TypeICECandidate:
		if calls != nil {
			calls.HandleCandidate(env.From, env.Payload)
		}
	default:
		log.Printf("SIGNAL: unknown envelope type %q from %s", env.Type, env.From)
	}
}

// handleJoin resolves the sender's network address and merges them into
// the roster. Address preference: the connection handle's embedded
// address wins over what the roster already has, which wins over the
// self-reported payload address (peers often do not know which of their
// interfaces we reached them on).
func (r *Router) handleJoin(env *proto.Envelope, handle string) {
	var p proto.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("SIGNAL: %v", err)
		return
	}

	ip := ""
	if h := util.HostOf(handle); util.ValidIP(h) {
		ip = h
	} else if known, ok := r.peers.Get(env.From); ok && util.ValidIP(known.IP) {
		ip = known.IP
	} else if util.ValidIP(p.IP) {
		ip = p.IP
	}
	if ip == "" {
		// No routable address from any source: we could not reply or
		// reconnect anyway. The next announcement retries.
		log.Printf("SIGNAL: join from %s carries no usable address, dropped", env.From)
		return
	}

	r.ids.ReconcileFromEnvelope(env.From, ip, handle)
	peer, vacated := r.peers.Upsert(roster.Draft{
		SessionID:  env.From,
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
		Username:   p.Username,
		IP:         ip,
		AvatarURL:  p.AvatarURL,
		Online:     true,
	})
	if r.store != nil {
		if vacated != "" {
			// The roster re-keyed an entry to a fresh session id; drop
			// the row persisted under the old one.
			if err := r.store.DeletePeer(vacated); err != nil {
				log.Printf("SIGNAL: drop re-keyed peer %s: %v", vacated, err)
			}
		}
		if err := r.store.SavePeer(peer); err != nil {
			log.Printf("SIGNAL: persist peer %s: %v", peer.SessionID, err)
		}
	}
	log.Printf("SIGNAL: %s (%s) joined from %s", p.Username, env.From, ip)

	// A broadcast join is an introduction; answer it with our own join
	// addressed to the sender to close the handshake. An addressed join
	// is already such an answer.
	if env.To == "" {
		if err := r.SendJoin(env.From); err != nil {
			log.Printf("SIGNAL: join reply to %s: %v", env.From, err)
		}
	}
}

func (r *Router) handleMessage(env *proto.Envelope) {
	var msg proto.Message
	if err := env.DecodePayload(&msg); err != nil {
		log.Printf("SIGNAL: %v", err)
		return
	}
	msg.Status = proto.StatusDelivered

	if r.store != nil {
		if err := r.store.SaveMessage(&msg); err != nil {
			log.Printf("SIGNAL: persist message %s: %v", msg.ID, err)
		}
	}
	r.recent.Push(&msg)
	r.mu.Lock()
	onMessage := r.onMessage
	r.mu.Unlock()
	if onMessage != nil {
		onMessage(&msg)
	}

	// Confirm delivery to the sender.
	if err := r.send(proto.TypeDelivered, env.From, proto.ReceiptPayload{MessageID: msg.ID}); err != nil {
		log.Printf("SIGNAL: delivered receipt for %s: %v", msg.ID, err)
	}
}

func (r *Router) handleReceipt(env *proto.Envelope, status proto.MessageStatus) {
	var p proto.ReceiptPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Printf("SIGNAL: %v", err)
		return
	}
	if r.store == nil {
		return
	}
	if err := r.store.UpdateMessageStatus(p.MessageID, status); err != nil {
		log.Printf("SIGNAL: receipt %s for %s: %v", status, p.MessageID, err)
	}
}

// SendToPeer delivers an envelope to one peer: unicast when the
// identity map can resolve a connection, broadcast otherwise. The
// broadcast fallback is how messages flow in the window between
// discovery and full reconciliation; receipts are filtered by To on
// arrival, so the only cost is extra traffic.
func (r *Router) SendToPeer(sessionID string, env *proto.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if handle, ok := r.ids.ResolveConnection(sessionID); ok {
		err := r.trans.Send(handle, data)
		if err == nil {
			return nil
		}
		log.Printf("SIGNAL: unicast to %s via %s failed (%v), broadcasting", sessionID, handle, err)
	}
	return r.trans.Broadcast(data)
}

// send builds an addressed envelope and delivers it via SendToPeer.
func (r *Router) send(typ, to string, payload any) error {
	profile, _, _ := r.snapshot()
	env, err := proto.NewEnvelope(typ, profile.SessionID, to, payload)
	if err != nil {
		return err
	}
	return r.SendToPeer(to, env)
}

// joinPayload builds our announcement from the current profile.
func (r *Router) joinPayload() (string, proto.JoinPayload) {
	profile, localIP, _ := r.snapshot()
	return profile.SessionID, proto.JoinPayload{
		Username:   profile.Username,
		IP:         localIP,
		AvatarURL:  profile.AvatarURL,
		DeviceID:   profile.DeviceID,
		DeviceName: profile.DeviceName,
	}
}

// SendJoin announces our identity. With to set it answers another
// peer's introduction; with to empty it broadcasts to everyone.
func (r *Router) SendJoin(to string) error {
	from, payload := r.joinPayload()
	env, err := proto.NewEnvelope(proto.TypeJoin, from, to, payload)
	if err != nil {
		return err
	}
	if to == "" {
		data, err := env.Encode()
		if err != nil {
			return err
		}
		return r.trans.Broadcast(data)
	}
	return r.SendToPeer(to, env)
}

// Introduce sends an unaddressed join down one specific connection.
// Used right after dialing a discovered peer: leaving To empty invites
// the join reply that completes the handshake, while unicast delivery
// keeps the introduction off everyone else's wire.
func (r *Router) Introduce(handle string) error {
	from, payload := r.joinPayload()
	env, err := proto.NewEnvelope(proto.TypeJoin, from, "", payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return r.trans.Send(handle, data)
}

// SendLeave broadcasts our departure.
func (r *Router) SendLeave() error {
	profile, _, _ := r.snapshot()
	env, err := proto.NewEnvelope(proto.TypeLeave, profile.SessionID, "", nil)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return r.trans.Broadcast(data)
}

// SendMessage creates, persists and sends a chat message. The message
// is stored as sending first and advanced to sent once handed to the
// transport, so an unreachable peer leaves it visibly unconfirmed.
func (r *Router) SendMessage(receiverID, content string) (*proto.Message, error) {
	profile, _, _ := r.snapshot()
	msg := proto.NewMessage(profile.SessionID, receiverID, content)

	if r.store != nil {
		if err := r.store.SaveMessage(msg); err != nil {
			return nil, err
		}
	}
	r.recent.Push(msg)

	if err := r.send(proto.TypeMessage, receiverID, msg); err != nil {
		return msg, err
	}

	msg.Status = proto.StatusSent
	if r.store != nil {
		if err := r.store.UpdateMessageStatus(msg.ID, proto.StatusSent); err != nil {
			log.Printf("SIGNAL: mark %s sent: %v", msg.ID, err)
		}
	}
	return msg, nil
}

// SendTyping notifies a peer that we started or stopped typing.
func (r *Router) SendTyping(receiverID string, isTyping bool) error {
	return r.send(proto.TypeTyping, receiverID, proto.TypingPayload{IsTyping: isTyping})
}

// MarkSeen records that we read the given messages and notifies their
// sender.
func (r *Router) MarkSeen(messageIDs []string, senderID string) {
	for _, id := range messageIDs {
		if r.store != nil {
			if err := r.store.UpdateMessageStatus(id, proto.StatusSeen); err != nil {
				log.Printf("SIGNAL: mark %s seen: %v", id, err)
			}
		}
		if err := r.send(proto.TypeSeen, senderID, proto.ReceiptPayload{MessageID: id}); err != nil {
			log.Printf("SIGNAL: seen receipt for %s: %v", id, err)
		}
	}
}

// SendCallOffer signals a peer that we want to start a call.
func (r *Router) SendCallOffer(peerID, username, sdp string) error {
	return r.send(proto.TypeCallOffer, peerID, proto.OfferPayload{Username: username, SDP: sdp})
}

// SendCallAnswer accepts a peer's call offer.
func (r *Router) SendCallAnswer(peerID, sdp string) error {
	return r.send(proto.TypeCallAnswer, peerID, proto.AnswerPayload{SDP: sdp})
}

// SendCallEnd hangs up or rejects a call with the peer.
func (r *Router) SendCallEnd(peerID string) error {
	return r.send(proto.TypeCallEnd, peerID, struct{}{})
}

// SendCandidate forwards one local ICE candidate to the peer.
func (r *Router) SendCandidate(peerID string, candidate json.RawMessage) error {
	return r.send(proto.TypeICECandidate, peerID, candidate)
}

// Recent returns the in-memory tail of recently seen messages.
func (r *Router) Recent() []*proto.Message {
	return r.recent.Snapshot()
}

// Reset drops transient router state when going offline.
func (r *Router) Reset() {
	r.recent.Clear()
}
