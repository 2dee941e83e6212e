package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testConfig returns a config suitable for fast test runs: the question
// source URL is empty so games run on the fallback list, and timers are
// shrunk to milliseconds.
func testConfig() *Config {
	return &Config{
		jwtSecret:     "test-secret",
		maxPlayers:    6,
		questionCount: 10,
		questionTime:  15,
		quizAPIURL:    "",
		timerTick:     2 * time.Millisecond,
		intermission:  5 * time.Millisecond,
	}
}

func testRoom(players ...string) *Room {
	room := &Room{
		Code:       "TEST01",
		Mode:       "medium",
		Status:     statusActive,
		MaxPlayers: 6,
		CreatedAt:  time.Now().UTC(),
	}
	for i, id := range players {
		room.Players = append(room.Players, Player{ID: id, Name: id, IsHost: i == 0})
	}
	if len(players) > 0 {
		room.HostID = players[0]
	}
	return room
}

func newTestGameService() *gameService {
	return newGameService(newMemStore(), newQuestionSource(""))
}

func TestQuestionPointsBrackets(t *testing.T) {
	t.Parallel()

	cases := []struct {
		timeTaken float64
		want      int
	}{
		{3, 100},
		{5.0, 100}, // boundary belongs to the faster bracket
		{7, 70},
		{10.0, 70},
		{12, 40},
		{60, 40},
	}

	for _, tc := range cases {
		if got := questionPoints(tc.timeTaken); got != tc.want {
			t.Fatalf("questionPoints(%v) = %d, want %d", tc.timeTaken, got, tc.want)
		}
	}
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	games := newTestGameService()

	session, err := games.createSession(context.Background(), testConfig(), testRoom("alice", "bob"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.GameID != "game_TEST01" {
		t.Fatalf("game id = %q, want game_TEST01", session.GameID)
	}
	if len(session.Questions) != 10 {
		t.Fatalf("questions = %d, want 10", len(session.Questions))
	}
	if session.CurrentIndex != 0 {
		t.Fatalf("current index = %d, want 0", session.CurrentIndex)
	}

	q := games.currentQuestion(session.GameID)
	if q == nil || q.ID != "q1" {
		t.Fatalf("current question = %+v, want q1", q)
	}
}

func TestSubmitAnswer(t *testing.T) {
	t.Parallel()

	games := newTestGameService()
	session, err := games.createSession(context.Background(), testConfig(), testRoom("alice", "bob"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	q := games.currentQuestion(session.GameID)

	if _, err := games.submitAnswer("game_NOPE", "alice", q.ID, 0, 1); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session = %v, want ErrSessionNotFound", err)
	}

	if _, err := games.submitAnswer(session.GameID, "alice", "q9", 0, 1); !errors.Is(err, ErrStaleQuestion) {
		t.Fatalf("stale question = %v, want ErrStaleQuestion", err)
	}

	result, err := games.submitAnswer(session.GameID, "alice", q.ID, q.CorrectAnswer, 4)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.IsCorrect || result.Points != 100 || result.CorrectAnswer != q.CorrectAnswer {
		t.Fatalf("result = %+v, want correct 100 points", result)
	}

	// second submission for the same question is refused
	if _, err := games.submitAnswer(session.GameID, "alice", q.ID, q.CorrectAnswer, 2); !errors.Is(err, ErrDuplicateAnswer) {
		t.Fatalf("resubmission = %v, want ErrDuplicateAnswer", err)
	}

	wrong, err := games.submitAnswer(session.GameID, "bob", q.ID, q.CorrectAnswer+1, 2)
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if wrong.IsCorrect || wrong.Points != 0 {
		t.Fatalf("incorrect answer result = %+v, want 0 points", wrong)
	}
}

func TestScoresReflectPartialProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	games := newTestGameService()
	session, err := games.createSession(ctx, testConfig(), testRoom("alice", "bob"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	id := session.GameID

	// alice answers the first two questions correctly, bob stays silent
	for n := 0; n < 2; n++ {
		q := games.currentQuestion(id)
		if _, err := games.submitAnswer(id, "alice", q.ID, q.CorrectAnswer, 7); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if !games.advance(ctx, id) {
			t.Fatal("advance ended the session early")
		}
	}

	scores := games.scores(id)
	if scores["alice"] != 140 {
		t.Fatalf("alice = %d, want 140", scores["alice"])
	}
	if score, ok := scores["bob"]; ok && score != 0 {
		t.Fatalf("bob = %d, want 0", score)
	}
}

func TestAdvanceFinalizesAtEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	games := newGameService(store, newQuestionSource(""))
	session, err := games.createSession(ctx, testConfig(), testRoom("alice", "bob"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	id := session.GameID

	q := games.currentQuestion(id)
	if _, err := games.submitAnswer(id, "bob", q.ID, q.CorrectAnswer, 3); err != nil {
		t.Fatalf("submit: %v", err)
	}

	for i := 0; i < 9; i++ {
		if !games.advance(ctx, id) {
			t.Fatalf("advance %d ended the session early", i)
		}
	}
	if games.advance(ctx, id) {
		t.Fatal("final advance should report no more questions")
	}

	if games.currentQuestion(id) != nil {
		t.Fatal("current question after exhaustion should be nil")
	}

	final := games.session(id)
	if final.FinalScores["bob"] != 100 {
		t.Fatalf("final score = %d, want 100", final.FinalScores["bob"])
	}
	if final.Winner != "bob" {
		t.Fatalf("winner = %q, want bob", final.Winner)
	}

	// the finalized record lands in the store
	var persisted GameSession
	if _, err := store.Get(ctx, colGames, id, &persisted); err != nil {
		t.Fatalf("get persisted session: %v", err)
	}
	if persisted.Winner != "bob" || persisted.FinalScores["bob"] != 100 {
		t.Fatalf("persisted record = %+v, want winner bob", persisted)
	}
}

func TestWinnerTieBreaksToEarliestJoiner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	games := newTestGameService()
	session, err := games.createSession(ctx, testConfig(), testRoom("alice", "bob", "carol"))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	id := session.GameID

	// bob and carol tie with one correct answer each; bob joined earlier
	q := games.currentQuestion(id)
	if _, err := games.submitAnswer(id, "carol", q.ID, q.CorrectAnswer, 3); err != nil {
		t.Fatalf("carol submit: %v", err)
	}
	if _, err := games.submitAnswer(id, "bob", q.ID, q.CorrectAnswer, 3); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	for games.advance(ctx, id) {
	}

	final := games.session(id)
	if final.Winner != "bob" {
		t.Fatalf("winner = %q, want bob (earliest joiner among tied scores)", final.Winner)
	}
}
