package gateguard

import (
	"encoding/json"
	"net/http"
	"time"
)

// AdminHandler exposes the runtime administration surface over HTTP. Mount it
// under /admin/rate-limits behind an out-of-band authentication guard, and
// make sure the mount point is excluded from rate limiting:
//
//	mux.Handle("/admin/rate-limits/",
//	    http.StripPrefix("/admin/rate-limits", limiter.AdminHandler()))
//
// Endpoints:
//
//	GET    /rules               list rules in evaluation order
//	GET    /rules/{id}          one rule
//	POST   /rules               add (or replace) a rule
//	PUT    /rules/{id}          update an existing rule
//	DELETE /rules/{id}          delete a rule
//	GET    /tiers               list tiers
//	POST   /bypass/ip           body {"ip": ...}
//	DELETE /bypass/ip/{ip}
//	POST   /bypass/api-key      body {"apiKey": ...}
//	DELETE /bypass/api-key/{apiKey}
//	POST   /reset               body {"key": ...}
//	GET    /stats
func (l *Limiter) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /rules", func(w http.ResponseWriter, r *http.Request) {
		rules := l.Rules()
		docs := make([]RuleDoc, len(rules))
		for i, rule := range rules {
			docs[i] = DocFromRule(rule)
		}
		writeJSON(w, http.StatusOK, docs)
	})

	mux.HandleFunc("GET /rules/{id}", func(w http.ResponseWriter, r *http.Request) {
		rule, ok := l.RuleByID(r.PathValue("id"))
		if !ok {
			writeAdminError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeJSON(w, http.StatusOK, DocFromRule(rule))
	})

	mux.HandleFunc("POST /rules", func(w http.ResponseWriter, r *http.Request) {
		var doc RuleDoc
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid rule document: "+err.Error())
			return
		}
		if err := l.AddRule(doc.Rule()); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	})

	mux.HandleFunc("PUT /rules/{id}", func(w http.ResponseWriter, r *http.Request) {
		var doc RuleDoc
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid rule document: "+err.Error())
			return
		}
		doc.ID = r.PathValue("id")
		if err := l.UpdateRule(doc.Rule()); err != nil {
			writeAdminError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	mux.HandleFunc("DELETE /rules/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !l.DeleteRule(r.PathValue("id")) {
			writeAdminError(w, http.StatusNotFound, "rule not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /tiers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, l.Tiers())
	})

	mux.HandleFunc("POST /bypass/ip", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IP string `json:"ip"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
			writeAdminError(w, http.StatusBadRequest, "body must be {\"ip\": ...}")
			return
		}
		l.AddBypassIP(body.IP)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /bypass/ip/{ip}", func(w http.ResponseWriter, r *http.Request) {
		l.RemoveBypassIP(r.PathValue("ip"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /bypass/api-key", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
			writeAdminError(w, http.StatusBadRequest, "body must be {\"apiKey\": ...}")
			return
		}
		l.AddBypassAPIKey(body.APIKey)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /bypass/api-key/{apiKey}", func(w http.ResponseWriter, r *http.Request) {
		l.RemoveBypassAPIKey(r.PathValue("apiKey"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
			writeAdminError(w, http.StatusBadRequest, "body must be {\"key\": ...}")
			return
		}
		if err := l.Reset(r.Context(), body.Key); err != nil {
			writeAdminError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats := l.Stats(r.Context())
		writeJSON(w, http.StatusOK, struct {
			Stats
			Timestamp int64 `json:"timestamp"`
		}{stats, time.Now().Unix()})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"statusCode": status, "error": msg})
}
