package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Link adapts a websocket connection to the bus.Link contract: text frames
// out via Send, text frames in via the OnFrame callback, one close
// notification with the terminal read error.
//
// Callbacks must be installed before Start; the read pump delivers frames
// from a single goroutine so handler invocations are serialized.
type Link struct {
	conn *Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	onFrame   func(frame []byte)
	onClose   []func(err error)
	started   bool
	closed    bool
	closeCode int
	closeText string
}

// NewLink wraps an upgraded or dialed connection.
func NewLink(conn *Conn) *Link {
	return &Link{conn: conn, closeCode: CloseClean}
}

// Send writes one text frame. Safe for concurrent use.
func (l *Link) Send(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Underlying().WriteMessage(websocket.TextMessage, frame)
}

// OnFrame installs the inbound frame callback.
func (l *Link) OnFrame(fn func(frame []byte)) {
	l.mu.Lock()
	l.onFrame = fn
	l.mu.Unlock()
}

// OnClose subscribes to link closure. Every callback fires at most once, with
// the error that terminated the read pump (nil on local close).
func (l *Link) OnClose(fn func(err error)) {
	l.mu.Lock()
	l.onClose = append(l.onClose, fn)
	l.mu.Unlock()
}

// Start launches the read pump. Frames other than text are ignored.
func (l *Link) Start() {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	go l.readPump()
}

func (l *Link) readPump() {
	for {
		mt, b, err := l.conn.Underlying().ReadMessage()
		if err != nil {
			l.finish(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		l.mu.Lock()
		fn := l.onFrame
		l.mu.Unlock()
		if fn != nil {
			fn(b)
		}
	}
}

// SetCloseStatus records the close frame to send when the link closes.
func (l *Link) SetCloseStatus(code int, text string) {
	l.mu.Lock()
	l.closeCode = code
	l.closeText = text
	l.mu.Unlock()
}

// CloseWithStatus closes the link with an explicit close frame.
func (l *Link) CloseWithStatus(code int, text string) error {
	l.SetCloseStatus(code, text)
	return l.Close()
}

// Close sends the recorded close status and tears the connection down.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	code, text := l.closeCode, l.closeText
	l.mu.Unlock()
	err := l.conn.CloseWithStatus(code, text)
	l.notifyClose(nil)
	return err
}

func (l *Link) finish(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	_ = l.conn.Close()
	l.notifyClose(err)
}

func (l *Link) notifyClose(err error) {
	l.mu.Lock()
	fns := l.onClose
	l.onClose = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
