// Package server exposes the HTTP surface: the Telegram webhook,
// health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"platewatch/internal/app"
	"platewatch/internal/metrics"
	"platewatch/internal/util"
	"platewatch/pkg/domain"
	"platewatch/pkg/store"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Messenger delivers replies back to Telegram chats.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Limiter bounds how fast one chat may issue commands.
type Limiter interface {
	Allow(key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Messenger     Messenger
	WebhookSecret string
	BotName       string
	Limiter       Limiter
}

// Server handles Telegram webhook updates and turns them into
// application operations.
type Server struct {
	app       *app.App
	messenger Messenger
	secret    string
	botName   string
	limiter   Limiter
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:       cfg.App,
		messenger: cfg.Messenger,
		secret:    cfg.WebhookSecret,
		botName:   strings.TrimPrefix(strings.TrimSpace(cfg.BotName), "@"),
		limiter:   cfg.Limiter,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("platewatch", s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/telegram/webhook", s.handleWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Telegram update payload, reduced to the fields the bot reads.
type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64   `json:"message_id"`
	From      *sender `json:"from"`
	Chat      chatRef `json:"chat"`
	Text      string  `json:"text"`
}

type sender struct {
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
}

type chatRef struct {
	ID int64 `json:"id"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.secret != "" && r.Header.Get(secretTokenHeader) != s.secret {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var upd update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Non-message updates (edits, callbacks, ...) are acknowledged and
	// dropped; Telegram retries anything that is not a 2xx.
	if upd.Message == nil || upd.Message.Chat.ID == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	s.handleMessage(r.Context(), upd.Message)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessage(ctx context.Context, msg *message) {
	chatID := msg.Chat.ID
	chat := domain.Chat{ID: chatID}
	if msg.From != nil {
		chat.Username = msg.From.Username
		chat.LanguageCode = msg.From.LanguageCode
	}
	if _, err := s.app.RegisterChat(ctx, chat); err != nil {
		util.LoggerFromContext(ctx).Error("server: register chat", "chat", chatID, "err", err)
		s.reply(ctx, chatID, "Something went wrong, please try again later.")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(strconv.FormatInt(chatID, 10)) {
		s.reply(ctx, chatID, "Too many commands, please slow down.")
		return
	}

	command, arg := s.parseCommand(msg.Text)
	if command == "" {
		s.reply(ctx, chatID, "Send /help to see what I can do.")
		return
	}
	metrics.CommandsTotal.WithLabelValues(command).Inc()
	s.reply(ctx, chatID, s.dispatch(ctx, chatID, command, arg))
}

// parseCommand splits "/add ABC123" into ("/add", "ABC123") and strips
// an "@botname" suffix from group-chat commands.
func (s *Server) parseCommand(text string) (string, string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", ""
	}
	command := strings.ToLower(fields[0])
	if at := strings.Index(command, "@"); at > 0 {
		if s.botName != "" && !strings.EqualFold(command[at+1:], s.botName) {
			return "", ""
		}
		command = command[:at]
	}
	return command, strings.Join(fields[1:], " ")
}

func (s *Server) dispatch(ctx context.Context, chatID int64, command, arg string) string {
	switch command {
	case "/start", "/help":
		return helpText
	case "/add":
		return s.addVehicle(ctx, chatID, arg)
	case "/remove":
		return s.removeVehicle(ctx, chatID, arg)
	case "/list":
		return s.listVehicles(ctx, chatID)
	case "/check":
		return s.vehicleStatus(ctx, chatID, arg)
	case "/alerts_on":
		return s.startAlerts(ctx, chatID)
	case "/alerts_off":
		return s.stopAlerts(ctx, chatID)
	default:
		return "Unknown command. Send /help to see what I can do."
	}
}

const helpText = `I watch license plates and tell you when a vehicle is found.

/add PLATE - track a vehicle
/remove PLATE - stop tracking a vehicle
/list - your tracked vehicles
/check PLATE - current status of a vehicle
/alerts_on - start live alerts for your vehicles
/alerts_off - pause live alerts`

func (s *Server) addVehicle(ctx context.Context, chatID int64, arg string) string {
	plate, err := s.app.AddVehicle(ctx, chatID, arg)
	switch {
	case err == nil:
		return fmt.Sprintf("Now tracking vehicle %s. Send /alerts_on to get notified when it is found.", plate)
	case errors.Is(err, domain.ErrInvalidPlate):
		return "That does not look like a valid plate. Usage: /add PLATE"
	case errors.Is(err, store.ErrAlreadySubscribed):
		return fmt.Sprintf("You are already tracking %s.", plate)
	default:
		util.LoggerFromContext(ctx).Error("server: add vehicle", "chat", chatID, "err", err)
		return "Something went wrong, please try again later."
	}
}

func (s *Server) removeVehicle(ctx context.Context, chatID int64, arg string) string {
	plate, err := s.app.RemoveVehicle(ctx, chatID, arg)
	var couldNotEnd *store.CouldNotEndError
	switch {
	case err == nil:
		return fmt.Sprintf("Stopped tracking vehicle %s.", plate)
	case errors.Is(err, domain.ErrInvalidPlate):
		return "That does not look like a valid plate. Usage: /remove PLATE"
	case errors.Is(err, store.ErrVehicleNotFound), errors.As(err, &couldNotEnd):
		return fmt.Sprintf("You are not tracking %s.", plate)
	default:
		util.LoggerFromContext(ctx).Error("server: remove vehicle", "chat", chatID, "err", err)
		return "Something went wrong, please try again later."
	}
}

func (s *Server) listVehicles(ctx context.Context, chatID int64) string {
	vehicles, err := s.app.ListVehicles(ctx, chatID)
	switch {
	case err == nil:
		var b strings.Builder
		b.WriteString("Your tracked vehicles:\n")
		for _, v := range vehicles {
			marker := "still missing"
			if v.FoundAt != nil {
				marker = "found"
			}
			fmt.Fprintf(&b, "%s - %s\n", v.Plate, marker)
		}
		return strings.TrimRight(b.String(), "\n")
	case errors.Is(err, app.ErrNoVehicles):
		return "You are not tracking any vehicles yet. Add one with /add PLATE."
	default:
		util.LoggerFromContext(ctx).Error("server: list vehicles", "chat", chatID, "err", err)
		return "Something went wrong, please try again later."
	}
}

func (s *Server) vehicleStatus(ctx context.Context, chatID int64, arg string) string {
	text, err := s.app.VehicleStatus(ctx, chatID, arg)
	switch {
	case err == nil:
		return text
	case errors.Is(err, domain.ErrInvalidPlate):
		return "That does not look like a valid plate. Usage: /check PLATE"
	case errors.Is(err, store.ErrVehicleNotFound):
		return "You are not tracking that vehicle. Add it with /add PLATE."
	default:
		util.LoggerFromContext(ctx).Error("server: vehicle status", "chat", chatID, "err", err)
		return "Something went wrong, please try again later."
	}
}

func (s *Server) startAlerts(ctx context.Context, chatID int64) string {
	watched, err := s.app.StartAlerts(ctx, chatID)
	switch {
	case err == nil:
		if len(watched) == 0 {
			return "Alerts are on, but all of your vehicles have already been found."
		}
		return fmt.Sprintf("Alerts are on. Watching: %s.", strings.Join(watched, ", "))
	case errors.Is(err, app.ErrAlertsAlreadyOn):
		return "Alerts are already on."
	case errors.Is(err, app.ErrNoVehicles):
		return "You are not tracking any vehicles yet. Add one with /add PLATE."
	default:
		util.LoggerFromContext(ctx).Error("server: start alerts", "chat", chatID, "err", err)
		return "Something went wrong, please try again later."
	}
}

func (s *Server) stopAlerts(ctx context.Context, chatID int64) string {
	err := s.app.StopAlerts(ctx, chatID)
	switch {
	case err == nil:
		return "Alerts are off. Send /alerts_on to resume."
	case errors.Is(err, app.ErrAlertsAlreadyOff):
		return "Alerts are already off."
	default:
		util.LoggerFromContext(ctx).Error("server: stop alerts", "chat", chatID, "err", err)
		return "Something went wrong, please try again later."
	}
}

func (s *Server) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := s.messenger.SendMessage(ctx, chatID, text); err != nil {
		util.LoggerFromContext(ctx).Error("server: send reply", "chat", chatID, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
