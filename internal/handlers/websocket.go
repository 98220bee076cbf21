package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fairbet-gateway/internal/metrics"
	"fairbet-gateway/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientQueueLen = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FairnessFeed streams every resolved real-money round, seed included, to
// public subscribers so third parties can audit outcomes as they happen.
type FairnessFeed struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	count      chan chan int
	done       chan struct{}
	closeOnce  sync.Once
	logger     *zap.Logger
}

type Client struct {
	Conn *websocket.Conn
	send chan *Message
}

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func NewFairnessFeed(logger *zap.Logger) *FairnessFeed {
	feed := &FairnessFeed{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		logger:     logger,
	}

	go feed.run()

	return feed
}

func (f *FairnessFeed) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Warn("failed to upgrade fairness feed connection", zap.Error(err))
		return
	}

	client := &Client{
		Conn: conn,
		send: make(chan *Message, clientQueueLen),
	}

	select {
	case f.register <- client:
	case <-f.done:
		conn.Close()
		return
	}

	go f.writePump(client)
	f.readPump(client)
}

// readPump answers PINGs and notices disconnects. Subscribers never publish.
func (f *FairnessFeed) readPump(client *Client) {
	defer func() {
		select {
		case f.unregister <- client:
		case <-f.done:
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Debug("fairness feed read error", zap.Error(err))
			}
			return
		}

		if msg.Type == "PING" {
			pong := &Message{Type: "PONG", Timestamp: time.Now().Unix()}
			select {
			case client.send <- pong:
			default:
			}
		}
	}
}

func (f *FairnessFeed) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *FairnessFeed) run() {
	for {
		select {
		case client := <-f.register:
			f.clients[client] = struct{}{}
			metrics.ActiveFeedClients.Set(float64(len(f.clients)))

		case client := <-f.unregister:
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
				metrics.ActiveFeedClients.Set(float64(len(f.clients)))
			}

		case message := <-f.broadcast:
			for client := range f.clients {
				select {
				case client.send <- message:
				default:
					// Slow subscriber.
					delete(f.clients, client)
					close(client.send)
				}
			}
			metrics.ActiveFeedClients.Set(float64(len(f.clients)))

		case reply := <-f.count:
			reply <- len(f.clients)

		case <-f.done:
			for client := range f.clients {
				close(client.send)
			}
			f.clients = map[*Client]struct{}{}
			metrics.ActiveFeedClients.Set(0)
			return
		}
	}
}

// BroadcastResolved queues a resolved round for every subscriber. It never
// blocks the reveal path.
func (f *FairnessFeed) BroadcastResolved(view models.CommitmentView) {
	msg := &Message{
		Type:      "ROUND_RESOLVED",
		Data:      view,
		Timestamp: time.Now().Unix(),
	}

	select {
	case f.broadcast <- msg:
	default:
		f.logger.Warn("fairness feed backlog full, dropping round", zap.String("commitment_id", view.ID))
	}
}

// Clients reports how many subscribers are connected.
func (f *FairnessFeed) Clients() int {
	reply := make(chan int, 1)
	select {
	case f.count <- reply:
		return <-reply
	case <-f.done:
		return 0
	}
}

func (f *FairnessFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
