package emitter

import (
	"fmt"
	"strings"
)

// Kind identifies the audience of a topic.
type Kind int

const (
	KindSessionList Kind = iota
	KindSession
	KindPlayerPrivate
)

func (k Kind) String() string {
	switch k {
	case KindSessionList:
		return "lobby"
	case KindSession:
		return "game"
	case KindPlayerPrivate:
		return "player"
	default:
		return "unknown"
	}
}

// Topic is a named stream that emitters subscribe to.
type Topic struct {
	Kind Kind
	ID   string
}

// SessionList is the topic carrying the joinable game listing.
func SessionList() Topic {
	return Topic{Kind: KindSessionList}
}

// Session is the topic carrying every event of one game.
func Session(gameID string) Topic {
	return Topic{Kind: KindSession, ID: gameID}
}

// PlayerPrivate is the topic carrying messages for one player only.
func PlayerPrivate(playerID string) Topic {
	return Topic{Kind: KindPlayerPrivate, ID: playerID}
}

func (t Topic) String() string {
	if t.Kind == KindSessionList {
		return "lobby"
	}
	return t.Kind.String() + ":" + t.ID
}

// ParseTopic resolves the client-facing topic name. "me" names the caller's
// private topic.
func ParseTopic(name, playerID string) (Topic, error) {
	switch {
	case name == "lobby":
		return SessionList(), nil
	case name == "me":
		if playerID == "" {
			return Topic{}, fmt.Errorf("private topic requires an authenticated player")
		}
		return PlayerPrivate(playerID), nil
	case strings.HasPrefix(name, "game:"):
		id := strings.TrimPrefix(name, "game:")
		if id == "" {
			return Topic{}, fmt.Errorf("topic %q is missing a game id", name)
		}
		return Session(id), nil
	default:
		return Topic{}, fmt.Errorf("unknown topic %q", name)
	}
}
