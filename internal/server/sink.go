package server

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cardroom/cardroom-server/internal/auth"
	"github.com/cardroom/cardroom-server/internal/emitter"
	"github.com/cardroom/cardroom-server/internal/game"
)

// Outbound message types besides the game event types.
const (
	MessageSnapshot    = "Snapshot"
	MessageSessionList = "SessionList"
	MessageWelcome     = "Welcome"
	MessageAck         = "Ack"
	MessageError       = "Error"
)

// Message is the outbound envelope, one per SSE data frame or WebSocket text
// message.
type Message struct {
	Type     string    `json:"type"`
	GameID   string    `json:"gameId,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	PlayerID string    `json:"playerId,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

func encodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func eventMessage(evt game.Event) Message {
	return Message{
		Type:     string(evt.Type),
		GameID:   evt.GameID,
		Seq:      evt.Seq,
		PlayerID: evt.PlayerID,
		At:       evt.At,
		Payload:  evt.Payload,
	}
}

// fanOut routes one game event to the emitters that care about it. It runs
// on the game's bus goroutine, so events of one game arrive in order.
func (s *Server) fanOut(evt game.Event) {
	data, err := encodeMessage(eventMessage(evt))
	if err != nil {
		s.logger.Error("failed to encode event",
			zap.String("game_id", evt.GameID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
		return
	}

	s.emitters.PublishSeq(emitter.Session(evt.GameID), evt.Seq, data)
	if evt.Type == game.EventTurnAdvanced && evt.PlayerID != "" {
		s.emitters.Publish(emitter.PlayerPrivate(evt.PlayerID), data)
	}
	if evt.MembershipChange() {
		s.publishLobby()
	}
}

// publishLobby pushes the joinable list to lobby watchers. Each list carries
// a version so a watcher primed with a newer list skips an older one.
func (s *Server) publishLobby() {
	if s.emitters.Subscribers(emitter.SessionList()) == 0 {
		return
	}
	version := s.lobbyVersion.Add(1)
	data, err := encodeMessage(Message{
		Type:    MessageSessionList,
		Seq:     version,
		At:      s.clock.Now(),
		Payload: s.svc.Games().JoinableList(),
	})
	if err != nil {
		s.logger.Error("failed to encode session list", zap.Error(err))
		return
	}
	s.emitters.PublishSeq(emitter.SessionList(), version, data)
}

func (s *Server) primeLobby() ([]byte, uint64, error) {
	version := s.lobbyVersion.Load()
	data, err := encodeMessage(Message{
		Type:    MessageSessionList,
		Seq:     version,
		At:      s.clock.Now(),
		Payload: s.svc.Games().JoinableList(),
	})
	return data, version, err
}

func (s *Server) primeSession(gameID string) emitter.Prime {
	return func() ([]byte, uint64, error) {
		snap, err := s.svc.Snapshot(gameID)
		if err != nil {
			return nil, 0, err
		}
		data, err := encodeMessage(Message{
			Type:    MessageSnapshot,
			GameID:  gameID,
			Seq:     snap.LastSeq,
			At:      s.clock.Now(),
			Payload: snap,
		})
		return data, snap.LastSeq, err
	}
}

func (s *Server) primePrivate(id auth.Identity) emitter.Prime {
	return func() ([]byte, uint64, error) {
		payload := map[string]any{
			"playerId":    id.ID,
			"displayName": id.DisplayName,
		}
		msg := Message{Type: MessageWelcome, PlayerID: id.ID, At: s.clock.Now(), Payload: payload}
		if gameID, ok := s.svc.Players().Lookup(id.ID); ok {
			payload["gameId"] = gameID
			msg.GameID = gameID
		}
		data, err := encodeMessage(msg)
		return data, 0, err
	}
}

// primeFor returns the prime for topic.
func (s *Server) primeFor(topic emitter.Topic, id auth.Identity) emitter.Prime {
	switch topic.Kind {
	case emitter.KindSessionList:
		return s.primeLobby
	case emitter.KindSession:
		return s.primeSession(topic.ID)
	default:
		return s.primePrivate(id)
	}
}

// openEmitter opens an emitter for id on topic and marks the player as
// connected when it is their private stream.
func (s *Server) openEmitter(topic emitter.Topic, id auth.Identity, sender emitter.Sender) (*emitter.Emitter, error) {
	if topic.Kind != emitter.KindPlayerPrivate {
		return s.emitters.Open(topic, id.ID, sender, s.primeFor(topic, id))
	}

	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	e, err := s.emitters.Open(topic, id.ID, sender, s.primeFor(topic, id))
	if err != nil {
		return nil, err
	}
	s.svc.PlayerReconnected(id.ID)
	return e, nil
}

// emitterClosed starts the disconnect grace when a player has lost their
// last private stream.
func (s *Server) emitterClosed(e *emitter.Emitter) {
	topic := e.Topic()
	if topic.Kind != emitter.KindPlayerPrivate || e.PlayerID() == "" {
		return
	}
	if _, reason := e.Closed(); reason == emitter.ReasonShutdown {
		return
	}

	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if s.emitters.HasPlayer(topic, e.PlayerID()) {
		return
	}
	s.svc.PlayerDisconnected(e.PlayerID())
}

func (s *Server) gameRemoved(gameID string) {
	if n := s.emitters.CloseTopic(emitter.Session(gameID), emitter.ReasonTopicGone); n > 0 {
		s.logger.Debug("closed streams of removed game",
			zap.String("game_id", gameID),
			zap.Int("count", n),
		)
	}
	s.publishLobby()
}
