package ws

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twomark/twomark/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// value returned by protocol.ParseClientMessage, e.g. protocol.SendMessageMsg.
type MessageHandler func(conn *Connection, msg protocol.ClientMessage)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Ping is answered internally; malformed and
// unsupported messages get an error event back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler for it. Handlers must be registered before the server
// starts.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			log.Debug().Str("module", "ws").Str("sid", conn.ID).Str("type", unknown.Type).Msg("unsupported message type")
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Debug().Err(err).Str("module", "ws").Str("sid", conn.ID).Msg("dispatch parse error")
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msg.MessageType() == protocol.TypePing {
		conn.Touch(time.Now())
		if err := conn.WriteEvent(protocol.PongMsg{}); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("sid", conn.ID).Msg("failed to send pong")
		}
		return
	}

	handler, ok := d.handlers[msg.MessageType()]
	if !ok {
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	if err := conn.WriteEvent(protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("sid", conn.ID).Msg("failed to send error")
	}
}
