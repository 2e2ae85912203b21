package web

import (
	"context"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type client struct {
	conn *websocket.Conn
}

// Pool fans the status JSON out to every connected websocket.
type Pool struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]bool
	done       chan struct{}
}

func NewPool() *Pool {
	return &Pool{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 1),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
	}
}

// Publish queues a message without blocking. An unsent message is replaced by the newer one.
func (pool *Pool) Publish(message []byte) {
	select {
	case pool.broadcast <- message:
		return
	default:
	}
	select {
	case <-pool.broadcast:
	default:
	}
	select {
	case pool.broadcast <- message:
	default:
	}
}

// Start serves the pool until ctx is cancelled, then closes every connection.
func (pool *Pool) Start(ctx context.Context) {
	defer close(pool.done)
	for {
		select {
		case <-ctx.Done():
			for c := range pool.clients {
				_ = c.conn.Close()
			}
			return
		case c := <-pool.register:
			pool.clients[c] = true
		case c := <-pool.unregister:
			if pool.clients[c] {
				delete(pool.clients, c)
				_ = c.conn.Close()
			}
		case message := <-pool.broadcast:
			for c := range pool.clients {
				if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
					log.WithError(err).Debug("Websocket client dropped")
					delete(pool.clients, c)
					_ = c.conn.Close()
				}
			}
		}
	}
}
