package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"livedata.evalgo.org/broker"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-socket outbound queue. A client that cannot
	// drain its queue is disconnected rather than allowed to block the
	// broker dispatch path.
	sendBuffer = 256
)

// Socket is one connected WebSocket client.
type Socket struct {
	id      string
	conn    *websocket.Conn
	claims  *Claims
	logger  *logrus.Entry
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}
	once sync.Once

	// subscriptions maps channel names to their broker detach functions.
	subMu         sync.Mutex
	subscriptions map[string]broker.UnsubscribeFunc
}

func newSocket(id string, conn *websocket.Conn, claims *Claims, limiter *rate.Limiter, logger *logrus.Entry) *Socket {
	return &Socket{
		id:            id,
		conn:          conn,
		claims:        claims,
		logger:        logger.WithField("socket", id),
		limiter:       limiter,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]broker.UnsubscribeFunc),
	}
}

// ID returns the socket's connection id.
func (s *Socket) ID() string {
	return s.id
}

// authToken returns the value handed to authorization hooks: the validated
// claims, or nil for anonymous connections.
func (s *Socket) authToken() interface{} {
	if s.claims == nil {
		return nil
	}
	return s.claims
}

// enqueue queues an encoded frame for delivery. A full queue drops the
// socket: it is either gone or too slow to keep its realtime view coherent.
func (s *Socket) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		s.logger.Warn("send queue full, dropping connection")
		s.close()
	}
}

func (s *Socket) sendJSON(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode frame")
		return
	}
	s.enqueue(frame)
}

// reply answers a correlated request frame.
func (s *Socket) reply(rid int64, data interface{}, err error) {
	frame := ReplyFrame{RID: rid, Data: data}
	if err != nil {
		frame.Error = frameError(err)
		frame.Data = nil
	}
	s.sendJSON(frame)
}

// push forwards a channel message to the client.
func (s *Socket) push(channelName string, payload []byte) {
	s.sendJSON(PushFrame{
		Event: EventPublish,
		Data:  ChannelData{Channel: channelName, Data: payload},
	})
}

// addSubscription records a channel subscription. It reports false when the
// channel is already subscribed, in which case the caller must release the
// new detach function.
func (s *Socket) addSubscription(channelName string, unsub broker.UnsubscribeFunc) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subscriptions[channelName]; ok {
		return false
	}
	s.subscriptions[channelName] = unsub
	return true
}

// removeSubscription detaches from a channel. It reports whether the socket
// was subscribed.
func (s *Socket) removeSubscription(channelName string) bool {
	s.subMu.Lock()
	unsub, ok := s.subscriptions[channelName]
	delete(s.subscriptions, channelName)
	s.subMu.Unlock()
	if ok {
		unsub()
	}
	return ok
}

// close tears the socket down exactly once, detaching every subscription.
func (s *Socket) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.subMu.Lock()
		subs := s.subscriptions
		s.subscriptions = make(map[string]broker.UnsubscribeFunc)
		s.subMu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
	})
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
