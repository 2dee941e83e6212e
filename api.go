package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// writeJSON writes a JSON response with the standard header set.
func writeJSON(cfg *Config, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a domain error into a client-facing status code:
// validation 400, identity 401, not-found 404, state conflicts 409.
func writeError(cfg *Config, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, ErrInvalidMode),
		errors.Is(err, ErrInvalidCapacity),
		errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrEmailTaken):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrBadLogin):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNoDocument):
		status = http.StatusNotFound
	case errors.Is(err, ErrRoomNotJoinable),
		errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrNotHost),
		errors.Is(err, ErrCannotStart),
		errors.Is(err, ErrCannotAbort),
		errors.Is(err, ErrStaleQuestion),
		errors.Is(err, ErrDuplicateAnswer),
		errors.Is(err, ErrConflict):
		status = http.StatusConflict
	}

	writeJSON(cfg, w, status, map[string]string{"detail": err.Error()})
}

// bearerIdentity resolves the caller's verified identity from the
// Authorization header.
func bearerIdentity(auth *authService, r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, ErrInvalidCredential
	}
	return auth.verifyCredential(token)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

func serveRegister(cfg *Config, auth *authService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Email == "" || req.Password == "" {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]string{"detail": "username, email and password are required"})
			return
		}

		user, token, err := auth.register(r.Context(), req.Username, req.Email, req.Password)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		logf(cfg, "AUTH: Registered %q", user.Username)

		writeJSON(cfg, w, http.StatusCreated, tokenResponse{
			UserID:    user.UserID,
			Username:  user.Username,
			Email:     user.Email,
			Token:     token,
			TokenType: "bearer",
		})
	}
}

func serveLogin(cfg *Config, auth *authService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]string{"detail": "malformed request body"})
			return
		}

		user, token, err := auth.login(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, tokenResponse{
			UserID:    user.UserID,
			Username:  user.Username,
			Email:     user.Email,
			Token:     token,
			TokenType: "bearer",
		})
	}
}

func serveCurrentUser(cfg *Config, auth *authService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ident, err := bearerIdentity(auth, r)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		user, err := auth.getUser(r.Context(), ident.ID)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		user.PasswordHash = ""
		writeJSON(cfg, w, http.StatusOK, user)
	}
}

type createRoomRequest struct {
	Mode       string `json:"mode"`
	MaxPlayers int    `json:"max_players"`
}

func serveCreateRoom(cfg *Config, auth *authService, rooms *roomService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ident, err := bearerIdentity(auth, r)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		req := createRoomRequest{MaxPlayers: cfg.maxPlayers}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]string{"detail": "malformed request body"})
			return
		}

		room, err := rooms.createRoom(r.Context(), ident.ID, ident.Name, req.Mode, req.MaxPlayers)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		logf(cfg, "ROOMS: Created room %s (mode %s) for %q", room.Code, room.Mode, ident.Name)

		writeJSON(cfg, w, http.StatusCreated, room)
	}
}

func serveJoinRoom(cfg *Config, auth *authService, rooms *roomService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ident, err := bearerIdentity(auth, r)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		room, err := rooms.joinRoom(r.Context(), p.ByName("code"), ident.ID, ident.Name)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, room)
	}
}

func serveLeaveRoom(cfg *Config, auth *authService, rooms *roomService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ident, err := bearerIdentity(auth, r)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		room, err := rooms.leaveRoom(r.Context(), p.ByName("code"), ident.ID)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"message": "Left room successfully",
			"room":    room,
		})
	}
}

func serveStartGame(cfg *Config, auth *authService, co *coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ident, err := bearerIdentity(auth, r)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		code := p.ByName("code")
		if err := co.startGame(code, ident.ID); err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]string{
			"message": "Game started",
			"game_id": gameID(code),
		})
	}
}

func serveAbortGame(cfg *Config, auth *authService, co *coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ident, err := bearerIdentity(auth, r)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		if err := co.abortGame(p.ByName("code"), ident.ID); err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, map[string]string{"message": "Game aborted"})
	}
}

func serveGetRoom(cfg *Config, auth *authService, rooms *roomService) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if _, err := bearerIdentity(auth, r); err != nil {
			writeError(cfg, w, err)
			return
		}

		room, err := rooms.getRoom(r.Context(), p.ByName("code"))
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, room)
	}
}

// serveRoomQR renders a PNG QR code pointing at the room's join URL, so a
// host can put the code on a shared screen.
func serveRoomQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		code := p.ByName("code")
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/join/" + code

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		_, _ = w.Write(png)
	}
}

// registerAPI wires the request/response surface 1:1 onto the room and auth
// services, and the websocket endpoint onto the coordinator.
func registerAPI(cfg *Config, mux *httprouter.Router, auth *authService, rooms *roomService, co *coordinator) {
	mux.POST(cfg.prefix+"/api/auth/register", serveRegister(cfg, auth))
	mux.POST(cfg.prefix+"/api/auth/login", serveLogin(cfg, auth))
	mux.GET(cfg.prefix+"/api/auth/me", serveCurrentUser(cfg, auth))

	mux.POST(cfg.prefix+"/api/rooms", serveCreateRoom(cfg, auth, rooms))
	mux.POST(cfg.prefix+"/api/rooms/:code/join", serveJoinRoom(cfg, auth, rooms))
	mux.POST(cfg.prefix+"/api/rooms/:code/leave", serveLeaveRoom(cfg, auth, rooms))
	mux.POST(cfg.prefix+"/api/rooms/:code/start", serveStartGame(cfg, auth, co))
	mux.POST(cfg.prefix+"/api/rooms/:code/abort", serveAbortGame(cfg, auth, co))
	mux.GET(cfg.prefix+"/api/rooms/:code", serveGetRoom(cfg, auth, rooms))
	mux.GET(cfg.prefix+"/api/rooms/:code/qr", serveRoomQR(cfg))

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, co))
}
