package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("game session not found")
	ErrStaleQuestion   = errors.New("question is no longer current")
	ErrDuplicateAnswer = errors.New("answer already submitted for this question")
)

// AnswerRecord is the stored outcome of one player's response to one question.
type AnswerRecord struct {
	AnswerIndex int     `json:"answer"`
	TimeTaken   float64 `json:"time_taken"`
	IsCorrect   bool    `json:"is_correct"`
	Points      int     `json:"points"`
}

// AnswerResult is what the submitter gets back.
type AnswerResult struct {
	IsCorrect     bool `json:"is_correct"`
	Points        int  `json:"points"`
	CorrectAnswer int  `json:"correct_answer"`
}

// GameSession is one timed run through a fixed question list, scoped to one
// room. Answers are held in memory while the session is live; the session
// record is written to the store at creation and finalization. In-flight
// sessions do not survive a process restart.
type GameSession struct {
	GameID       string                             `json:"game_id"`
	RoomCode     string                             `json:"room_code"`
	Questions    []Question                         `json:"questions"`
	CurrentIndex int                                `json:"current_question_index"`
	Answers      map[string]map[string]AnswerRecord `json:"player_answers"`
	FinalScores  map[string]int                     `json:"final_scores,omitempty"`
	Winner       string                             `json:"winner,omitempty"`
	CreatedAt    time.Time                          `json:"created_at"`

	// joinOrder is the room's player order at session creation, used to
	// break winner ties in favor of the earliest joiner.
	joinOrder []string
}

func gameID(roomCode string) string {
	return "game_" + roomCode
}

// gameService owns the active question sequence for each started room.
type gameService struct {
	store     Store
	questions *questionSource

	mu       sync.Mutex
	sessions map[string]*GameSession
}

func newGameService(store Store, questions *questionSource) *gameService {
	return &gameService{
		store:     store,
		questions: questions,
		sessions:  make(map[string]*GameSession),
	}
}

// createSession fetches the question list for the room's tier and registers a
// fresh session keyed by the derived game id.
func (g *gameService) createSession(ctx context.Context, cfg *Config, room *Room) (*GameSession, error) {
	questions := g.questions.fetch(ctx, cfg, room.Mode, cfg.questionCount)

	joinOrder := make([]string, 0, len(room.Players))
	for _, p := range room.Players {
		joinOrder = append(joinOrder, p.ID)
	}

	session := &GameSession{
		GameID:    gameID(room.Code),
		RoomCode:  room.Code,
		Questions: questions,
		Answers:   make(map[string]map[string]AnswerRecord),
		CreatedAt: time.Now().UTC(),
		joinOrder: joinOrder,
	}

	if err := g.store.Set(ctx, colGames, session.GameID, session); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.sessions[session.GameID] = session
	g.mu.Unlock()

	return session, nil
}

// currentQuestion returns the question at the session's cursor, or nil once
// the sequence is exhausted or the session is unknown.
func (g *gameService) currentQuestion(id string) *Question {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[id]
	if !ok || session.CurrentIndex >= len(session.Questions) {
		return nil
	}

	q := session.Questions[session.CurrentIndex]
	return &q
}

// questionPoints is the scoring step function, applied only to correct
// answers. Bracket boundaries are inclusive of the lower bracket.
func questionPoints(timeTaken float64) int {
	switch {
	case timeTaken <= 5:
		return 100
	case timeTaken <= 10:
		return 70
	default:
		return 40
	}
}

func (g *gameService) submitAnswer(id, playerID, questionID string, answerIndex int, timeTaken float64) (*AnswerResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.CurrentIndex >= len(session.Questions) {
		return nil, ErrStaleQuestion
	}

	question := session.Questions[session.CurrentIndex]
	if question.ID != questionID {
		return nil, ErrStaleQuestion
	}

	byQuestion := session.Answers[playerID]
	if byQuestion == nil {
		byQuestion = make(map[string]AnswerRecord)
		session.Answers[playerID] = byQuestion
	}
	if _, exists := byQuestion[questionID]; exists {
		return nil, ErrDuplicateAnswer
	}

	isCorrect := answerIndex == question.CorrectAnswer
	points := 0
	if isCorrect {
		points = questionPoints(timeTaken)
	}

	byQuestion[questionID] = AnswerRecord{
		AnswerIndex: answerIndex,
		TimeTaken:   timeTaken,
		IsCorrect:   isCorrect,
		Points:      points,
	}

	return &AnswerResult{
		IsCorrect:     isCorrect,
		Points:        points,
		CorrectAnswer: question.CorrectAnswer,
	}, nil
}

// advance moves the session to the next question. Reaching the end of the
// list finalizes the session and returns false.
func (g *gameService) advance(ctx context.Context, id string) bool {
	g.mu.Lock()
	session, ok := g.sessions[id]
	if !ok {
		g.mu.Unlock()
		return false
	}

	session.CurrentIndex++
	if session.CurrentIndex < len(session.Questions) {
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	g.finalize(ctx, id)
	return false
}

// scores sums stored points per player, recomputed on demand so it reflects
// partial progress at any point in the session. Players who never answered
// are simply absent (score 0 for display purposes).
func (g *gameService) scores(id string) map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.scoresLocked(id)
}

func (g *gameService) scoresLocked(id string) map[string]int {
	scores := make(map[string]int)

	session, ok := g.sessions[id]
	if !ok {
		return scores
	}

	for playerID, answers := range session.Answers {
		total := 0
		for _, record := range answers {
			total += record.Points
		}
		scores[playerID] = total
	}

	return scores
}

// finalize computes final scores and the winner, breaking score ties by the
// earliest joiner, then persists both to the session record.
func (g *gameService) finalize(ctx context.Context, id string) {
	g.mu.Lock()

	session, ok := g.sessions[id]
	if !ok {
		g.mu.Unlock()
		return
	}

	finalScores := g.scoresLocked(id)

	winner := ""
	best := -1
	for _, playerID := range session.joinOrder {
		if score, answered := finalScores[playerID]; answered && score > best {
			winner = playerID
			best = score
		}
	}
	// Players outside the recorded join order (should not happen) still count.
	for playerID, score := range finalScores {
		if score > best {
			winner = playerID
			best = score
		}
	}

	session.FinalScores = finalScores
	session.Winner = winner
	finalIndex := session.CurrentIndex
	g.mu.Unlock()

	err := g.store.Update(ctx, colGames, id, map[string]any{
		"final_scores":           finalScores,
		"winner":                 winner,
		"current_question_index": finalIndex,
	})
	if err != nil {
		log.Printf("%s | ERROR: persisting final scores for %s: %v", time.Now().Format(logDate), id, err)
	}
}

// session returns the live session, if any.
func (g *gameService) session(id string) *GameSession {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.sessions[id]
}

// dropSession discards the in-memory session once its room is done with it.
func (g *gameService) dropSession(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.sessions, id)
}
