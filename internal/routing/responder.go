package routing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
	Path    string `json:"path"`
	Method  string `json:"method"`
}

// WriteError responds in the representation the route class calls for. API
// classes always get the JSON envelope; browser routes get a page unless
// the client explicitly asked for JSON.
func WriteError(w http.ResponseWriter, r *http.Request, rc RouteClass, status int, code string, message string) {
	if !jsonOnly(rc) && !acceptsJSON(r) {
		WritePage(w, status, message, "<p>"+message+"</p>")
		return
	}

	env := ErrorEnvelope{
		Code:    code,
		Message: message,
		TraceID: traceIDFromRequest(r),
		Path:    r.URL.Path,
		Method:  r.Method,
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

const pageShell = "<!doctype html><html><head><title>%s</title></head><body>%s</body></html>"

// WritePage renders a minimal full HTML page. Blocking states must never be a
// blank screen, so every gate outcome goes through here with its own body.
func WritePage(w http.ResponseWriter, status int, title string, bodyHTML string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, pageShell, title, bodyHTML)
}

func jsonOnly(rc RouteClass) bool {
	return rc == RouteClassInternalAPI || rc == RouteClassPublicAPI || rc == RouteClassWebhook
}

func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return accept == "application/json" || strings.HasPrefix(accept, "application/json;")
}

// traceIDFromRequest pulls the trace id out of a W3C traceparent header.
// Anything malformed, including the all-zero trace id, yields "".
func traceIDFromRequest(r *http.Request) string {
	parts := strings.Split(strings.TrimSpace(r.Header.Get("traceparent")), "-")
	if len(parts) != 4 {
		return ""
	}
	id := strings.ToLower(parts[1])
	if len(id) != 32 || !isLowerHex(id) || id == strings.Repeat("0", 32) {
		return ""
	}
	return id
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
