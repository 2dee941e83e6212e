package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string  `json:"type"`                  // "join_room", "leave_room", "start_game", "abort_game", "submit_answer"
	RoomCode   string  `json:"room_code,omitempty"`   // join_room
	Token      string  `json:"token,omitempty"`       // join_room
	GameID     string  `json:"game_id,omitempty"`     // submit_answer
	QuestionID string  `json:"question_id,omitempty"` // submit_answer
	Answer     *int    `json:"answer,omitempty"`      // submit_answer
	TimeTaken  float64 `json:"time_taken,omitempty"`  // submit_answer
}

// Messages sent to clients
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type JoinSuccessMessage struct {
	Type string `json:"type"` // "join_success"
	Room *Room  `json:"room"`
}

type PlayerJoinedMessage struct {
	Type   string `json:"type"` // "player_joined"
	Player Player `json:"player"`
}

type PlayerLeftMessage struct {
	Type     string `json:"type"` // "player_left"
	PlayerID string `json:"player_id"`
}

type GameStartedMessage struct {
	Type           string `json:"type"` // "game_started"
	GameID         string `json:"game_id"`
	TotalQuestions int    `json:"total_questions"`
}

// PublicQuestion is a Question with the correct answer stripped, safe to
// broadcast while the countdown runs.
type PublicQuestion struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Difficulty string   `json:"difficulty"`
	Category   string   `json:"category"`
}

func publicQuestion(q Question) PublicQuestion {
	return PublicQuestion{
		ID:         q.ID,
		Question:   q.Question,
		Options:    q.Options,
		Difficulty: q.Difficulty,
		Category:   q.Category,
	}
}

type QuestionSentMessage struct {
	Type          string         `json:"type"` // "question_sent"
	QuestionIndex int            `json:"question_index"`
	Question      PublicQuestion `json:"question"`
	TimeLimit     int            `json:"time_limit"`
}

type TimerUpdateMessage struct {
	Type          string `json:"type"` // "timer_update"
	TimeRemaining int    `json:"time_remaining"`
}

// AnswerResultMessage is sent only to the submitter.
type AnswerResultMessage struct {
	Type          string `json:"type"` // "answer_result"
	IsCorrect     bool   `json:"is_correct"`
	Points        int    `json:"points"`
	CorrectAnswer int    `json:"correct_answer"`
}

type AnswerReceivedMessage struct {
	Type      string `json:"type"` // "answer_received"
	PlayerID  string `json:"player_id"`
	IsCorrect bool   `json:"is_correct"`
}

type ScoreUpdateMessage struct {
	Type   string         `json:"type"` // "score_update"
	Scores map[string]int `json:"scores"`
}

type GameFinishedMessage struct {
	Type        string         `json:"type"` // "game_finished"
	FinalScores map[string]int `json:"final_scores"`
	Winner      string         `json:"winner"`
	Aborted     bool           `json:"aborted,omitempty"`
}

// Client is one live websocket connection. playerID and name are the
// connection binding, set only by join handling.
type Client struct {
	conn *websocket.Conn

	// mu guards send and closed. Every send and the close itself go through
	// it, so a reply racing a disconnect or backpressure drop can never hit
	// a closed channel.
	mu     sync.Mutex
	send   chan any
	closed bool

	playerID string
	name     string
}

// reply queues a message for this client only. Returns false when the message
// could not be queued (buffer full or connection already closed).
func (c *Client) reply(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend shuts the client's send channel exactly once, however many paths
// race to it (disconnect, backpressure drop, hub teardown).
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type registration struct {
	client *Client
	room   *Room
	isNew  bool
}

type clientRequest struct {
	client *Client
	msg    ClientMessage
}

// hub fans room-scoped events out to every connection bound to one room.
// All membership of the clients set happens on the run goroutine; broadcast
// is safe from the progression loop through the mutex.
type hub struct {
	code string

	clients map[*Client]bool

	register chan registration
	unreg    chan *Client
	requests chan clientRequest

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	// ctx scopes everything running on behalf of this room; cancel stops
	// the progression loop without leaking its timer.
	ctx    context.Context
	cancel context.CancelFunc

	gameCancel context.CancelFunc
}

func newRoomHub(parent context.Context, code string) *hub {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	return &hub{
		code:       code,
		clients:    make(map[*Client]bool),
		register:   make(chan registration),
		unreg:      make(chan *Client),
		requests:   make(chan clientRequest),
		createdAt:  now,
		lastActive: now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// add hands a registration to the run goroutine. Returns false if the hub
// has already been torn down.
func (h *hub) add(reg registration) bool {
	select {
	case h.register <- reg:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// remove asks the run goroutine to drop a client. Safe against a hub that
// has already been torn down (closeAll covers its clients).
func (h *hub) remove(c *Client) {
	select {
	case h.unreg <- c:
	case <-h.ctx.Done():
	}
}

// enqueue forwards a client request to the run goroutine.
func (h *hub) enqueue(req clientRequest) {
	select {
	case h.requests <- req:
	case <-h.ctx.Done():
	}
}

// broadcast queues msg for every connected client, except skip if non-nil.
// A client that cannot keep up is dropped.
func (h *hub) broadcast(msg any, skip *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client == skip {
			continue
		}
		if !client.reply(msg) {
			delete(h.clients, client)
			client.closeSend()
		}
	}
}

func (h *hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *hub) idle(cutoff time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.lastActive.Before(cutoff)
}

// closeAll disconnects every client of this hub (used by the reaper and on
// room deletion).
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.closeSend()
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
