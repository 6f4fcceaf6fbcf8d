package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tradeflow/config"
	"tradeflow/events"
	"tradeflow/journal"
	"tradeflow/logger"
	"tradeflow/store"
	"tradeflow/trader"
)

// Server is the thin REST façade over the supervisor and the configuration
// store. It carries no business logic of its own.
type Server struct {
	port       string
	cfg        *config.Config
	supervisor *trader.Supervisor
	hub        *events.Hub
	logStream  *logger.Broadcaster

	traderStore   *store.TraderStore
	modelStore    *store.AIModelStore
	exchangeStore *store.ExchangeStore

	log zerolog.Logger
}

func NewServer(port string, sup *trader.Supervisor, hub *events.Hub, logStream *logger.Broadcaster, cfg *config.Config) *Server {
	return &Server{
		port:          port,
		cfg:           cfg,
		supervisor:    sup,
		hub:           hub,
		logStream:     logStream,
		traderStore:   store.NewTraderStore(),
		modelStore:    store.NewAIModelStore(),
		exchangeStore: store.NewExchangeStore(),
		log:           zlog.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/api/events", s.hub)
	if s.logStream != nil {
		mux.Handle("/api/logs", s.logStream)
	}

	mux.HandleFunc("/api/traders", s.handleTraders)
	mux.HandleFunc("/api/traders/", s.handleTrader)

	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/exchanges", s.handleExchanges)

	handler := corsMiddleware(mux)

	s.log.Info().Str("port", s.port).Msg("API server starting")
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func userID(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return "default"
}

func (s *Server) handleTraders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.traderStore.ListByUser(userID(r))
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		result := make([]map[string]interface{}, len(rows))
		for i, row := range rows {
			running := false
			if t := s.supervisor.Get(row.ID); t != nil {
				running = t.IsRunning()
			}
			result[i] = map[string]interface{}{
				"id":              row.ID,
				"name":            row.Name,
				"ai_model_id":     row.AIModelID,
				"exchange_id":     row.ExchangeID,
				"enabled":         row.Enabled,
				"initial_balance": row.InitialBalance,
				"created_at":      row.CreatedAt,
				"is_running":      running,
			}
		}
		s.jsonResponse(w, map[string]interface{}{"traders": result})

	case http.MethodPost:
		var row store.Trader
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if row.UserID == "" {
			row.UserID = userID(r)
		}
		if err := s.traderStore.Create(&row); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, row)

	default:
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTrader routes /api/traders/{id} and /api/traders/{id}/{action}.
func (s *Server) handleTrader(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/traders/"))
	if len(parts) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "trader id required")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	if action != "" {
		s.handleTraderAction(w, r, id, action)
		return
	}

	switch r.Method {
	case http.MethodGet:
		row, err := s.traderStore.Get(id)
		if err != nil {
			s.errorResponse(w, http.StatusNotFound, "trader not found")
			return
		}
		s.jsonResponse(w, row)

	case http.MethodPut:
		var row store.Trader
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
		row.ID = id
		if err := s.traderStore.Update(&row); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, row)

	case http.MethodDelete:
		s.supervisor.Stop(id)
		if err := s.traderStore.Delete(id); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, map[string]string{"status": "deleted"})

	default:
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTraderAction(w http.ResponseWriter, r *http.Request, id, action string) {
	switch action {
	case "status":
		if r.Method != http.MethodGet {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		status := s.supervisor.Status(id)
		if status == nil {
			s.jsonResponse(w, map[string]interface{}{"id": id, "is_running": false})
			return
		}
		s.jsonResponse(w, status)

	case "decisions":
		if r.Method != http.MethodGet {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		jnl, err := journal.New(filepath.Join(s.cfg.LogRoot, id))
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		records, err := jnl.Latest(limit)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, map[string]interface{}{"records": records})

	case "start":
		if r.Method != http.MethodPost {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		row, err := s.traderStore.Get(id)
		if err != nil {
			s.errorResponse(w, http.StatusNotFound, "trader not found")
			return
		}
		// Registration is idempotent, so loading again only picks up rows
		// added since boot.
		if err := s.supervisor.LoadForUser(row.UserID); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.supervisor.Start(id); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, map[string]string{"status": "started"})

	case "stop":
		if r.Method != http.MethodPost {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.supervisor.Stop(id)
		s.jsonResponse(w, map[string]string{"status": "stopped"})

	case "close-position":
		if r.Method != http.MethodPost {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		t := s.supervisor.Get(id)
		if t == nil {
			s.errorResponse(w, http.StatusNotFound, "trader not registered")
			return
		}
		var req struct {
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
			s.errorResponse(w, http.StatusBadRequest, "symbol and side required")
			return
		}
		if err := t.ClosePosition(r.Context(), req.Symbol, req.Side); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, map[string]string{"status": "closed"})

	case "close-all":
		if r.Method != http.MethodPost {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		t := s.supervisor.Get(id)
		if t == nil {
			s.errorResponse(w, http.StatusNotFound, "trader not registered")
			return
		}
		closed, err := t.CloseAllPositions(r.Context())
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.jsonResponse(w, map[string]interface{}{"status": "closed", "count": closed})

	case "prompt":
		if r.Method != http.MethodPost {
			s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		t := s.supervisor.Get(id)
		if t == nil {
			s.errorResponse(w, http.StatusNotFound, "trader not registered")
			return
		}
		var req struct {
			Prompt       string `json:"prompt"`
			OverrideBase bool   `json:"override_base"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
		t.SetCustomPrompt(req.Prompt, req.OverrideBase)
		s.jsonResponse(w, map[string]string{"status": "updated"})

	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		models, err := s.modelStore.ListByUser(userID(r))
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Credentials stay server-side.
		for _, m := range models {
			m.APIKey = ""
		}
		s.jsonResponse(w, map[string]interface{}{"models": models})

	case http.MethodPost:
		var m store.AIModel
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if m.UserID == "" {
			m.UserID = userID(r)
		}
		if err := s.modelStore.Create(&m); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		m.APIKey = ""
		s.jsonResponse(w, m)

	default:
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		exchanges, err := s.exchangeStore.ListByUser(userID(r))
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, e := range exchanges {
			e.APIKey = ""
			e.SecretKey = ""
		}
		s.jsonResponse(w, map[string]interface{}{"exchanges": exchanges})

	case http.MethodPost:
		var e store.Exchange
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if e.UserID == "" {
			e.UserID = userID(r)
		}
		if err := s.exchangeStore.Create(&e); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		e.APIKey = ""
		e.SecretKey = ""
		s.jsonResponse(w, e)

	default:
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
