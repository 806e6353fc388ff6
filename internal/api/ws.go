package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/walleye/internal/app"
)

const wsWriteWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The status page is served from the coprocessor itself or from a
	// driver-station laptop on the robot network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Websocket message types.
const (
	msgStatus = "status"
	msgAck    = "ack"
	msgError  = "error"
)

// wsMessage is one server-to-client message. Clients send app.Command JSON.
type wsMessage struct {
	Type    string      `json:"type"`
	Status  *app.Status `json:"status,omitempty"`
	Command string      `json:"command,omitempty"`
	Message string      `json:"message,omitempty"`
}

// streamStatus pushes the loop status every push interval and applies
// commands received on the same connection. Only this goroutine writes to
// the connection.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	replies := make(chan wsMessage, 4)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readCommands(ctx, cancel, conn, replies)
	}()
	defer func() {
		cancel()
		conn.Close()
		<-readerDone
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	if err := s.pushStatus(conn); err != nil {
		return
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case msg := <-replies:
			err = writeMessage(conn, msg)
		case <-ticker.C:
			err = s.pushStatus(conn)
		}
		if err != nil {
			logf("websocket write: %v", err)
			return
		}
	}
}

func (s *Server) pushStatus(conn *websocket.Conn) error {
	st := s.ctl.Status()
	return writeMessage(conn, wsMessage{Type: msgStatus, Status: &st})
}

func writeMessage(conn *websocket.Conn, msg wsMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// readCommands decodes client commands until the connection closes, then
// cancels the session.
func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- wsMessage) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logf("websocket error: %v", err)
			}
			return
		}

		var cmd app.Command
		reply := wsMessage{Type: msgAck}
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply = wsMessage{Type: msgError, Message: "invalid command: " + err.Error()}
		} else {
			reply.Command = cmd.Kind
			if err := s.submit(ctx, cmd); err != nil {
				reply.Type, reply.Message = msgError, err.Error()
			}
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}
