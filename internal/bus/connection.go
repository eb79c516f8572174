package bus

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection is one editor socket (spec §3 "Connection").
type Connection struct {
	ID       string
	OpenedAt time.Time

	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Send best-effort writes a JSON frame. A send to a closed client is
// dropped (spec §5 backpressure policy): the error is swallowed, not
// propagated, since the bus never blocks dispatch on a slow reader.
func (c *Connection) Send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(v)
}

func (c *Connection) close() error {
	return c.ws.Close()
}
