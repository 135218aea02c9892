package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/metrics"
	"github.com/alimasry/go-whiteboard/store"
	"github.com/alimasry/go-whiteboard/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(hub *Hub) http.Handler {
	r := mux.NewRouter()

	// WebSocket endpoint, same protocol as the TCP port.
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade error", zap.Error(err))
			return
		}
		go hub.ServeConn(transport.NewWebSocketConn(conn))
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/docs", func(w http.ResponseWriter, req *http.Request) {
		docs, err := hub.Documents(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, docs)
	}).Methods(http.MethodGet)

	api.HandleFunc("/docs/{id}", func(w http.ResponseWriter, req *http.Request) {
		info, err := hub.store.Get(req.Context(), mux.Vars(req)["id"])
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, hub.summary(*info))
	}).Methods(http.MethodGet)

	// Raw log from ?offset=, the same bytes a client would be replayed.
	// Reading needs the document token, as joining does.
	api.HandleFunc("/docs/{id}/log", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		var offset int64
		if s := q.Get("offset"); s != "" {
			var err error
			if offset, err = strconv.ParseInt(s, 10, 64); err != nil || offset < 0 {
				http.Error(w, "bad offset", http.StatusBadRequest)
				return
			}
		}
		id := mux.Vars(req)["id"]
		info, err := hub.store.Get(req.Context(), id)
		if err != nil {
			storeError(w, err)
			return
		}
		if !tokenMatches(info.Token, q.Get("token")) {
			accessDenied.Inc()
			hub.logger.Warn("log read denied", zap.String("doc", id))
			http.Error(w, "access denied", http.StatusForbidden)
			return
		}
		data, err := hub.store.ReadFrom(req.Context(), id, offset)
		if err != nil {
			storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})

	return r
}

// tokenMatches reports whether presented opens a document owned by token.
// A document created without a token is open to anyone.
func tokenMatches(token, presented string) bool {
	return token == "" || presented == token
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(encode(v))
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
