package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

// coordinator maps live connections onto rooms and drives each active room's
// timed progression loop. It never mutates durable state itself; all writes
// go through the room and game services.
type coordinator struct {
	cfg   *Config
	rooms *roomService
	games *gameService
	auth  *authService
	ctx   context.Context

	mu   sync.Mutex
	hubs map[string]*hub
}

func newCoordinator(ctx context.Context, cfg *Config, rooms *roomService, games *gameService, auth *authService) *coordinator {
	co := &coordinator{
		cfg:   cfg,
		rooms: rooms,
		games: games,
		auth:  auth,
		ctx:   ctx,
		hubs:  make(map[string]*hub),
	}
	if cfg.sessionTimeout > 0 {
		go co.reaperLoop()
	}
	return co
}

func (co *coordinator) getHub(code string) *hub {
	co.mu.Lock()
	defer co.mu.Unlock()

	if h, ok := co.hubs[code]; ok {
		return h
	}

	h := newRoomHub(co.ctx, code)
	co.hubs[code] = h
	go h.run(co)
	return h
}

// dropHub cancels the room's context, which stops any progression loop, and
// disconnects its clients.
func (co *coordinator) dropHub(code string) {
	co.mu.Lock()
	h := co.hubs[code]
	delete(co.hubs, code)
	co.mu.Unlock()

	if h != nil {
		h.cancel()
		go h.closeAll()
	}
}

// reaperLoop periodically removes hubs that have been idle longer than the
// configured session timeout.
func (co *coordinator) reaperLoop() {
	ticker := time.NewTicker(co.cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-co.ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-co.cfg.sessionTimeout)

		co.mu.Lock()
		var stale []string
		for code, h := range co.hubs {
			if h.idle(cutoff) {
				stale = append(stale, code)
			}
		}
		co.mu.Unlock()

		for _, code := range stale {
			logf(co.cfg, "ROOMS: Reaping idle room %s", code)
			co.dropHub(code)
		}
	}
}

func (h *hub) run(co *coordinator) {
	for {
		select {
		case <-h.ctx.Done():
			return

		case reg := <-h.register:
			h.touch()
			h.mu.Lock()
			h.clients[reg.client] = true
			h.mu.Unlock()

			if reg.isNew {
				if p := reg.room.player(reg.client.playerID); p != nil {
					h.broadcast(PlayerJoinedMessage{Type: "player_joined", Player: *p}, reg.client)
				}
				logf(co.cfg, "ROOMS: Player %q joined %s", reg.client.name, h.code)
			}
			reg.client.reply(JoinSuccessMessage{Type: "join_success", Room: reg.room})

		case c := <-h.unreg:
			h.touch()
			h.mu.Lock()
			_, present := h.clients[c]
			if present {
				delete(h.clients, c)
				c.closeSend()
			}
			h.mu.Unlock()

			if present && c.playerID != "" {
				co.handleDeparture(h, c.playerID)
			}

		case req := <-h.requests:
			h.touch()
			co.handleRequest(h, req)
		}
	}
}

func (co *coordinator) handleRequest(h *hub, req clientRequest) {
	c := req.client

	switch req.msg.Type {
	case "leave_room":
		// The connection stays open and may join_room again, so the send
		// channel is left alone; it closes when the connection does.
		h.mu.Lock()
		_, present := h.clients[c]
		delete(h.clients, c)
		h.mu.Unlock()

		if present && c.playerID != "" {
			co.handleDeparture(h, c.playerID)
		}

	case "start_game":
		if err := co.startGame(h.code, c.playerID); err != nil {
			c.reply(ErrorMessage{Type: "error", Message: err.Error()})
		}

	case "abort_game":
		if err := co.abortGame(h.code, c.playerID); err != nil {
			c.reply(ErrorMessage{Type: "error", Message: err.Error()})
		}

	case "submit_answer":
		co.handleAnswer(h, c, req.msg)

	default:
		// ignore unknown types
	}
}

// handleDeparture removes the player from the room and tells the remaining
// connections, or tears the hub down when the room emptied out.
func (co *coordinator) handleDeparture(h *hub, playerID string) {
	room, err := co.rooms.leaveRoom(co.ctx, h.code, playerID)
	if err != nil {
		logf(co.cfg, "ROOMS: Departure of %s from %s: %v", playerID, h.code, err)
		return
	}

	if room == nil {
		logf(co.cfg, "ROOMS: Room %s empty, deleted", h.code)
		co.dropHub(h.code)
		return
	}

	h.broadcast(PlayerLeftMessage{Type: "player_left", PlayerID: playerID}, nil)
}

// handleJoin runs on the connection's read goroutine. It resolves the
// caller's identity, validates membership (joining if new, accepting an
// existing membership on reconnect), and binds the connection to the room.
func (co *coordinator) handleJoin(c *Client, msg ClientMessage) (*hub, error) {
	ident, err := co.auth.verifyCredential(msg.Token)
	if err != nil {
		return nil, err
	}

	room, err := co.rooms.getRoom(co.ctx, msg.RoomCode)
	if err != nil {
		return nil, err
	}

	isNew := false
	if room.player(ident.ID) == nil {
		room, err = co.rooms.joinRoom(co.ctx, msg.RoomCode, ident.ID, ident.Name)
		if err != nil {
			return nil, err
		}
		isNew = true
	}

	c.playerID = ident.ID
	c.name = ident.Name

	h := co.getHub(msg.RoomCode)
	if !h.add(registration{client: c, room: room, isNew: isNew}) {
		return nil, ErrRoomNotFound
	}

	return h, nil
}

// startGame flips the room active, builds the question session, and launches
// the progression loop. Reachable from both the websocket and REST surfaces.
func (co *coordinator) startGame(code, hostID string) error {
	room, err := co.rooms.startGame(co.ctx, code, hostID)
	if err != nil {
		return err
	}

	session, err := co.games.createSession(co.ctx, co.cfg, room)
	if err != nil {
		return err
	}

	h := co.getHub(code)

	gctx, gcancel := context.WithCancel(h.ctx)
	h.mu.Lock()
	h.gameCancel = gcancel
	h.mu.Unlock()

	logf(co.cfg, "GAMES: Started %s with %d questions", session.GameID, len(session.Questions))

	h.broadcast(GameStartedMessage{
		Type:           "game_started",
		GameID:         session.GameID,
		TotalQuestions: len(session.Questions),
	}, nil)

	go co.runGame(gctx, h, session.GameID)

	return nil
}

// abortGame is the host's early exit: the room moves to finished with the
// aborted marker, the loop's context is cancelled, and the room is told.
func (co *coordinator) abortGame(code, hostID string) error {
	if _, err := co.rooms.abortGame(co.ctx, code, hostID); err != nil {
		return err
	}

	h := co.getHub(code)

	h.mu.Lock()
	if h.gameCancel != nil {
		h.gameCancel()
		h.gameCancel = nil
	}
	h.mu.Unlock()

	id := gameID(code)
	scores := co.games.scores(id)
	co.games.dropSession(id)

	logf(co.cfg, "GAMES: Aborted %s", id)

	h.broadcast(GameFinishedMessage{
		Type:        "game_finished",
		FinalScores: scores,
		Winner:      "",
		Aborted:     true,
	}, nil)

	return nil
}

func (co *coordinator) handleAnswer(h *hub, c *Client, msg ClientMessage) {
	if msg.Answer == nil {
		c.reply(ErrorMessage{Type: "error", Message: "missing answer index"})
		return
	}

	result, err := co.games.submitAnswer(msg.GameID, c.playerID, msg.QuestionID, *msg.Answer, msg.TimeTaken)
	if err != nil {
		c.reply(ErrorMessage{Type: "error", Message: err.Error()})
		return
	}

	c.reply(AnswerResultMessage{
		Type:          "answer_result",
		IsCorrect:     result.IsCorrect,
		Points:        result.Points,
		CorrectAnswer: result.CorrectAnswer,
	})

	h.broadcast(AnswerReceivedMessage{
		Type:      "answer_received",
		PlayerID:  c.playerID,
		IsCorrect: result.IsCorrect,
	}, nil)

	h.broadcast(ScoreUpdateMessage{
		Type:   "score_update",
		Scores: co.games.scores(msg.GameID),
	}, nil)
}

// runGame is the autonomous per-room progression loop: one question at a
// time, a full fixed-length countdown regardless of how many players have
// answered, a short intermission, then final scores. Errors here are logged
// and end the loop; they never take the process or the room down.
func (co *coordinator) runGame(ctx context.Context, h *hub, id string) {
	cfg := co.cfg

	// The session must not outlive the loop, whether it runs to completion or
	// is cancelled by an abort, a reaped hub, or shutdown.
	defer co.games.dropSession(id)

	for i := 0; ; i++ {
		question := co.games.currentQuestion(id)
		if question == nil {
			break
		}

		h.broadcast(QuestionSentMessage{
			Type:          "question_sent",
			QuestionIndex: i,
			Question:      publicQuestion(*question),
			TimeLimit:     cfg.questionTime,
		}, nil)

		ticker := time.NewTicker(cfg.timerTick)
		for remaining := cfg.questionTime; remaining > 0; remaining-- {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
			}
			h.broadcast(TimerUpdateMessage{Type: "timer_update", TimeRemaining: remaining}, nil)
		}
		ticker.Stop()

		if !co.games.advance(co.ctx, id) {
			break
		}

		pause := time.NewTimer(cfg.intermission)
		select {
		case <-ctx.Done():
			pause.Stop()
			return
		case <-pause.C:
		}
	}

	session := co.games.session(id)
	if session == nil {
		return
	}

	h.mu.Lock()
	h.gameCancel = nil
	h.mu.Unlock()

	h.broadcast(GameFinishedMessage{
		Type:        "game_finished",
		FinalScores: session.FinalScores,
		Winner:      session.Winner,
	}, nil)

	logf(cfg, "GAMES: Finished %s, winner %q", id, session.Winner)

	if err := co.rooms.finishRoom(co.ctx, h.code); err != nil {
		log.Printf("%s | ERROR: finishing room %s: %v", time.Now().Format(logDate), h.code, err)
	}
}

// serveWS upgrades a connection and pumps its messages. A connection handles
// at most one room; join_room must come first.
func serveWS(cfg *Config, co *coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "SERVE: Websocket upgrade from %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 16),
		}

		go client.writePump()

		var bound *hub
		defer func() {
			if bound != nil {
				bound.remove(client)
			}
			client.closeSend()
			_ = conn.Close()
		}()

		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}

			switch msg.Type {
			case "join_room":
				if bound != nil {
					client.reply(ErrorMessage{Type: "error", Message: "already in a room"})
					continue
				}
				h, err := co.handleJoin(client, msg)
				if err != nil {
					client.reply(ErrorMessage{Type: "error", Message: err.Error()})
					continue
				}
				bound = h

			case "leave_room", "start_game", "abort_game", "submit_answer":
				if bound == nil {
					client.reply(ErrorMessage{Type: "error", Message: "join a room first"})
					continue
				}
				bound.enqueue(clientRequest{client: client, msg: msg})
				if msg.Type == "leave_room" {
					bound = nil
				}

			default:
				// ignore unknown types
			}
		}
	}
}
